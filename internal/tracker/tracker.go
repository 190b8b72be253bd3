// Package tracker persists the scan cursor and per-request fulfillment state.
//
// The store is the single source of truth for what has been processed: the
// cursor never regresses, and a request can have at most one unconfirmed
// fulfillment attempt. Violations of either are programming errors and are
// reported as typed errors that the caller must treat as fatal.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

var (
	// ErrCursorRegression means AdvanceCursor was called with a height below
	// the persisted cursor. Caller bug; never retried.
	ErrCursorRegression = errors.New("cursor regression")
	// ErrDuplicateInFlight means MarkSubmitted was called while a prior
	// attempt for the same request is still unconfirmed. Caller bug.
	ErrDuplicateInFlight = errors.New("duplicate in-flight attempt")
	// ErrUnknownRequest means the request id has never been observed.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrInvalidTransition means the request is already terminal.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// PendingRequest is a request eligible for submission, with its attempt
// history.
type PendingRequest struct {
	types.VrfRequest
	Attempts int
}

// StoredRequest is the full persisted view of a request, served by the
// status API and MCP tools.
type StoredRequest struct {
	RequestID   uint64              `json:"requestId"`
	Requester   string              `json:"requester"`
	Seed        string              `json:"seed"`
	BlockNumber uint64              `json:"blockNumber"`
	Status      types.RequestStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	TxHash      string              `json:"txHash,omitempty"`
	LastError   string              `json:"lastError,omitempty"`
	NextRetry   time.Time           `json:"nextRetry,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Store is the SQLite-backed request tracker.
type Store struct {
	db         *sql.DB
	startBlock uint64
}

// NewStore opens (creating if needed) the tracker database. startBlock is
// returned by LoadCursor when no cursor has been persisted yet.
func NewStore(dbPath string, startBlock uint64) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL for concurrent reads from the status API while the engine writes.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, startBlock: startBlock}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cursor (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		height INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		request_id INTEGER PRIMARY KEY,
		requester TEXT NOT NULL,
		seed TEXT NOT NULL,
		block_number INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		tx_hash TEXT,
		last_error TEXT,
		next_retry_ms INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
	CREATE INDEX IF NOT EXISTS idx_requests_updated ON requests(updated_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive migrations for columns introduced after the initial schema.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"requests", "next_retry_ms", "ALTER TABLE requests ADD COLUMN next_retry_ms INTEGER NOT NULL DEFAULT 0"},
		{"requests", "last_error", "ALTER TABLE requests ADD COLUMN last_error TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				fmt.Fprintf(os.Stderr, "warning: migration failed for %s.%s: %v\n", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table. Identifiers are
// validated since pragma_table_info cannot be parameterized.
func (s *Store) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadCursor returns the persisted cursor, or the configured start block if
// none has been persisted.
func (s *Store) LoadCursor(ctx context.Context) (uint64, error) {
	var height uint64
	err := s.db.QueryRowContext(ctx, "SELECT height FROM cursor WHERE id = 0").Scan(&height)
	if err == sql.ErrNoRows {
		return s.startBlock, nil
	}
	if err != nil {
		return 0, err
	}
	return height, nil
}

// AdvanceCursor persists a new cursor height atomically. The cursor must
// never regress.
func (s *Store) AdvanceCursor(ctx context.Context, newHeight uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx, "SELECT height FROM cursor WHERE id = 0").Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, "INSERT INTO cursor (id, height) VALUES (0, ?)", newHeight); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if newHeight < current {
			return fmt.Errorf("%w: %d < %d", ErrCursorRegression, newHeight, current)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE cursor SET height = ? WHERE id = 0", newHeight); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpsertObserved records newly observed requests. Re-observing a known
// request (range re-scan after a transient failure) is a no-op, so detection
// is at-least-once without duplicating state. Returns the number of new rows.
func (s *Store) UpsertObserved(ctx context.Context, reqs []types.VrfRequest) (int, error) {
	if len(reqs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO requests (request_id, requester, seed, block_number, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, req := range reqs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		res, err := stmt.ExecContext(ctx,
			req.RequestID,
			req.Requester.Hex(),
			fmt.Sprintf("%#x", req.Seed),
			req.BlockNumber,
			string(types.StatusPending),
			now,
		)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// PendingDue returns pending requests whose retry deadline has passed.
func (s *Store) PendingDue(ctx context.Context, now time.Time) ([]PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, requester, seed, block_number, attempts
		FROM requests
		WHERE status = ? AND next_retry_ms <= ?
		ORDER BY request_id
	`, string(types.StatusPending), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingRequest
	for rows.Next() {
		var p PendingRequest
		var requester, seed string
		if err := rows.Scan(&p.RequestID, &requester, &seed, &p.BlockNumber, &p.Attempts); err != nil {
			return nil, err
		}
		p.Requester = common.HexToAddress(requester)
		copy(p.Seed[:], common.FromHex(seed))
		p.Status = types.StatusPending
		pending = append(pending, p)
	}

	return pending, rows.Err()
}

// MarkSubmitted transitions a request to Submitted, claiming the single
// in-flight slot. attempt is the 1-based attempt count being made.
func (s *Store) MarkSubmitted(ctx context.Context, requestID uint64, attempt int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := requestStatus(ctx, tx, requestID)
	if err != nil {
		return err
	}
	switch status {
	case types.StatusSubmitted:
		return fmt.Errorf("%w: request %d", ErrDuplicateInFlight, requestID)
	case types.StatusFulfilled, types.StatusFailed:
		return fmt.Errorf("%w: request %d is %s", ErrInvalidTransition, requestID, status)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE requests SET status = ?, attempts = ?, tx_hash = NULL, updated_at = ?
		WHERE request_id = ?
	`, string(types.StatusSubmitted), attempt, time.Now().UTC(), requestID); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordTxHash attaches the broadcast transaction hash to the in-flight
// attempt, so a restart can resume inclusion polling.
func (s *Store) RecordTxHash(ctx context.Context, requestID uint64, txHash common.Hash) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET tx_hash = ?, updated_at = ?
		WHERE request_id = ? AND status = ?
	`, txHash.Hex(), time.Now().UTC(), requestID, string(types.StatusSubmitted))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: request %d has no in-flight attempt", ErrInvalidTransition, requestID)
	}
	return nil
}

// MarkFulfilled transitions an in-flight request to Fulfilled.
func (s *Store) MarkFulfilled(ctx context.Context, requestID uint64) error {
	return s.finishInFlight(ctx, requestID, types.StatusFulfilled, "", time.Time{})
}

// MarkFailed transitions a request to terminal Failed. The request is kept
// for operator attention, never silently dropped.
func (s *Store) MarkFailed(ctx context.Context, requestID uint64, cause string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := requestStatus(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if status == types.StatusFulfilled || status == types.StatusFailed {
		return fmt.Errorf("%w: request %d is %s", ErrInvalidTransition, requestID, status)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE requests SET status = ?, last_error = ?, updated_at = ?
		WHERE request_id = ?
	`, string(types.StatusFailed), cause, time.Now().UTC(), requestID); err != nil {
		return err
	}

	return tx.Commit()
}

// Defer returns a failed attempt to Pending, releasing the in-flight slot
// and scheduling the next retry. Attempt history is preserved.
func (s *Store) Defer(ctx context.Context, requestID uint64, cause string, nextRetry time.Time) error {
	return s.finishInFlight(ctx, requestID, types.StatusPending, cause, nextRetry)
}

func (s *Store) finishInFlight(ctx context.Context, requestID uint64, to types.RequestStatus, cause string, nextRetry time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := requestStatus(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if status != types.StatusSubmitted {
		return fmt.Errorf("%w: request %d is %s, want submitted", ErrInvalidTransition, requestID, status)
	}

	var retryMs int64
	if !nextRetry.IsZero() {
		retryMs = nextRetry.UnixMilli()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE requests SET status = ?, last_error = ?, next_retry_ms = ?, updated_at = ?
		WHERE request_id = ?
	`, string(to), nullString(cause), retryMs, time.Now().UTC(), requestID); err != nil {
		return err
	}

	return tx.Commit()
}

func requestStatus(ctx context.Context, tx *sql.Tx, requestID uint64) (types.RequestStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM requests WHERE request_id = ?", requestID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: request %d", ErrUnknownRequest, requestID)
	}
	if err != nil {
		return "", err
	}
	return types.RequestStatus(status), nil
}

// InFlight returns submitted-but-unconfirmed attempts, for inclusion polling
// and restart recovery.
func (s *Store) InFlight(ctx context.Context) ([]types.FulfillmentAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, attempts, tx_hash, last_error
		FROM requests
		WHERE status = ?
		ORDER BY request_id
	`, string(types.StatusSubmitted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []types.FulfillmentAttempt
	for rows.Next() {
		var a types.FulfillmentAttempt
		var txHash, lastErr sql.NullString
		if err := rows.Scan(&a.RequestID, &a.Attempt, &txHash, &lastErr); err != nil {
			return nil, err
		}
		if txHash.Valid {
			a.TxHash = common.HexToHash(txHash.String)
		}
		if lastErr.Valid {
			a.LastError = lastErr.String
		}
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// Request returns the stored view of a single request, or nil if unknown.
func (s *Store) Request(ctx context.Context, requestID uint64) (*StoredRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, requester, seed, block_number, status, attempts, tx_hash, last_error, next_retry_ms, updated_at
		FROM requests WHERE request_id = ?
	`, requestID)

	req, err := scanStoredRequest(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Recent returns the most recently updated requests, optionally filtered by
// status.
func (s *Store) Recent(ctx context.Context, status types.RequestStatus, limit int) ([]StoredRequest, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT request_id, requester, seed, block_number, status, attempts, tx_hash, last_error, next_retry_ms, updated_at
		FROM requests
	`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []StoredRequest
	for rows.Next() {
		req, err := scanStoredRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}

	return reqs, rows.Err()
}

// CountByStatus returns request counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM requests GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func scanStoredRequest(scan func(...interface{}) error) (*StoredRequest, error) {
	var req StoredRequest
	var txHash, lastErr sql.NullString
	var retryMs int64

	err := scan(&req.RequestID, &req.Requester, &req.Seed, &req.BlockNumber,
		&req.Status, &req.Attempts, &txHash, &lastErr, &retryMs, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if txHash.Valid {
		req.TxHash = txHash.String
	}
	if lastErr.Valid {
		req.LastError = lastErr.String
	}
	if retryMs > 0 {
		req.NextRetry = time.UnixMilli(retryMs)
	}

	return &req, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
