// Package engine implements the fulfillment poll loop.
//
// A single ticker drives detection and submission. Within a tick, independent
// pending requests are submitted through a bounded worker pool, and inclusion
// polling for in-flight attempts runs in a single batch round trip. Only the
// engine mutates tracker state, so the tracker needs no external locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/vrffulfiller/internal/chain"
	"github.com/gateway-fm/vrffulfiller/internal/metrics"
	"github.com/gateway-fm/vrffulfiller/internal/randomness"
	"github.com/gateway-fm/vrffulfiller/internal/secrets"
	"github.com/gateway-fm/vrffulfiller/internal/tracker"
	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

// Config holds engine dependencies and tuning.
type Config struct {
	Chain      chain.Client
	Tracker    *tracker.Store
	Computer   randomness.Computer
	Credential *secrets.Credential

	PollInterval time.Duration     // default 10s
	Retry        types.RetryPolicy // zero value uses DefaultRetryPolicy
	Workers      int               // concurrent submissions per tick; default 8

	Metrics *metrics.Metrics         // optional
	OnEvent func(types.EngineEvent)  // optional, called on state transitions
	Logger  *slog.Logger
}

// Engine orchestrates detection, fulfillment, and state tracking.
type Engine struct {
	chain    chain.Client
	tracker  *tracker.Store
	computer randomness.Computer
	cred     *secrets.Credential

	interval time.Duration
	retry    types.RetryPolicy
	workers  int

	metrics *metrics.Metrics
	onEvent func(types.EngineEvent)
	logger  *slog.Logger

	mu sync.RWMutex
	// observedAt holds in-memory observation times for latency metrics.
	// Best-effort: entries do not survive restarts.
	observedAt  map[uint64]time.Time
	startedAt   time.Time
	cursor      uint64
	head        uint64
	inFlight    int
	lastTickAt  time.Time
	lastTickErr string
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if cfg.Computer == nil {
		return nil, fmt.Errorf("randomness computer is required")
	}
	if cfg.Credential == nil {
		return nil, fmt.Errorf("credential is required")
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = types.DefaultRetryPolicy()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		chain:      cfg.Chain,
		tracker:    cfg.Tracker,
		computer:   cfg.Computer,
		cred:       cfg.Credential,
		interval:   interval,
		retry:      retry,
		workers:    workers,
		metrics:    cfg.Metrics,
		onEvent:    cfg.OnEvent,
		logger:     logger,
		observedAt: make(map[uint64]time.Time),
	}, nil
}

// Run executes the poll loop until the context is cancelled. Invariant
// violations (cursor regression, duplicate in-flight attempts) are returned
// as errors; transient failures are absorbed and retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	recovered, err := e.tracker.InFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to load in-flight attempts: %w", err)
	}
	if len(recovered) > 0 {
		e.logger.Info("resuming inclusion polling for prior attempts",
			slog.Int("count", len(recovered)))
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.tick(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one poll iteration. It returns an error only for invariant
// violations, which must terminate the process.
func (e *Engine) tick(ctx context.Context) error {
	start := time.Now()
	err := e.runTick(ctx)

	if e.metrics != nil {
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}

	e.mu.Lock()
	e.lastTickAt = time.Now()
	if err != nil {
		e.lastTickErr = err.Error()
	} else {
		e.lastTickErr = ""
	}
	e.mu.Unlock()

	if err == nil || ctx.Err() != nil {
		return nil
	}
	if isInvariantViolation(err) {
		e.logger.Error("invariant violation, terminating", slog.String("error", err.Error()))
		return err
	}

	// Transient: same range is retried on the next tick, cursor untouched.
	if e.metrics != nil {
		e.metrics.TickErrors.Inc()
	}
	e.logger.Warn("tick failed, retrying next interval", slog.String("error", err.Error()))
	return nil
}

func (e *Engine) runTick(ctx context.Context) error {
	if err := e.pollInFlight(ctx); err != nil {
		return err
	}

	head, err := e.chain.HeadBlock(ctx)
	if err != nil {
		return err
	}
	cursor, err := e.tracker.LoadCursor(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.head = head
	e.cursor = cursor
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.HeadHeight.Set(float64(head))
		e.metrics.CursorHeight.Set(float64(cursor))
	}

	rangeScanned := false
	if head > cursor {
		requests, err := e.chain.RequestsInRange(ctx, cursor+1, head)
		if err != nil {
			return err
		}

		inserted, err := e.tracker.UpsertObserved(ctx, requests)
		if err != nil {
			return err
		}
		if inserted > 0 {
			now := time.Now()
			e.mu.Lock()
			var fresh []uint64
			for _, req := range requests {
				if _, seen := e.observedAt[req.RequestID]; !seen {
					e.observedAt[req.RequestID] = now
					fresh = append(fresh, req.RequestID)
				}
			}
			e.mu.Unlock()
			for _, id := range fresh {
				e.emit(types.EngineEvent{
					Type:      "observed",
					RequestID: id,
					Status:    types.StatusPending,
				})
			}
			if e.metrics != nil {
				e.metrics.RequestsObserved.Add(float64(inserted))
			}
			e.logger.Info("observed new randomness requests",
				slog.Int("count", inserted),
				slog.Uint64("fromBlock", cursor+1),
				slog.Uint64("toBlock", head),
			)
		}
		rangeScanned = true
	}

	if err := e.submitPending(ctx); err != nil {
		return err
	}

	// The cursor advances only after every request in the range is durably
	// at least Submitted or deferred with a retry deadline. A crash before
	// this point re-scans the same range: detection is at-least-once.
	if rangeScanned {
		if err := e.tracker.AdvanceCursor(ctx, head); err != nil {
			return err
		}
		e.mu.Lock()
		e.cursor = head
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.CursorHeight.Set(float64(head))
		}
	}

	return nil
}

// pollInFlight checks inclusion for all unconfirmed attempts in one batch.
func (e *Engine) pollInFlight(ctx context.Context) error {
	attempts, err := e.tracker.InFlight(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.inFlight = len(attempts)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.InFlight.Set(float64(len(attempts)))
	}

	if len(attempts) == 0 {
		return nil
	}

	var handles []types.TxHandle
	var tracked []types.FulfillmentAttempt
	for _, a := range attempts {
		if a.TxHash == (common.Hash{}) {
			// Claimed before a crash, never broadcast. The slot is released
			// and the attempt is retried or failed under the usual bound.
			if err := e.attemptFailed(ctx, a.RequestID, a.Attempt, "attempt lost before broadcast"); err != nil {
				return err
			}
			continue
		}
		handles = append(handles, types.TxHandle{Hash: a.TxHash, RequestID: a.RequestID})
		tracked = append(tracked, a)
	}

	if len(handles) == 0 {
		return nil
	}

	statuses, err := e.chain.PollInclusionBatch(ctx, handles)
	if err != nil {
		return err
	}

	for i, status := range statuses {
		a := tracked[i]
		switch status {
		case types.InclusionIncluded:
			if err := e.tracker.MarkFulfilled(ctx, a.RequestID); err != nil {
				return err
			}
			e.mu.Lock()
			observed, seen := e.observedAt[a.RequestID]
			delete(e.observedAt, a.RequestID)
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.Fulfilled.Inc()
				if seen {
					e.metrics.FulfillmentLatency.Observe(time.Since(observed).Seconds())
				}
			}
			e.logger.Info("request fulfilled",
				slog.Uint64("requestId", a.RequestID),
				slog.String("txHash", a.TxHash.Hex()),
				slog.Int("attempt", a.Attempt),
			)
			e.emit(types.EngineEvent{
				Type:      "fulfilled",
				RequestID: a.RequestID,
				Status:    types.StatusFulfilled,
				Attempt:   a.Attempt,
				TxHash:    a.TxHash.Hex(),
			})

		case types.InclusionReverted:
			if err := e.attemptFailed(ctx, a.RequestID, a.Attempt, "fulfillment transaction reverted"); err != nil {
				return err
			}

		case types.InclusionPending:
			// Still waiting; next tick polls again.
		}
	}

	return nil
}

// submitPending dispatches due pending requests through the worker pool.
// Distinct request ids are independent; the tracker's in-flight invariant
// serializes attempts for the same id.
func (e *Engine) submitPending(ctx context.Context) error {
	pending, err := e.tracker.PendingDue(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	errCh := make(chan error, len(pending))

	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}

		// Claim the in-flight slot durably before broadcasting, so a crash
		// cannot produce two live transactions for one request.
		attempt := p.Attempts + 1
		if err := e.tracker.MarkSubmitted(ctx, p.RequestID, attempt); err != nil {
			return err
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(p tracker.PendingRequest, attempt int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.submitOne(ctx, p, attempt); err != nil {
				errCh <- err
			}
		}(p, attempt)
	}

	wg.Wait()
	close(errCh)
	return e.drainSubmitErrors(errCh)
}

// drainSubmitErrors surfaces the first invariant violation from a batch of
// submission workers. Non-invariant failures already applied the retry policy
// inside submitOne, but they still get logged here so a persistent error
// (a tracker write failing after broadcast, say) is visible to operators.
func (e *Engine) drainSubmitErrors(errCh <-chan error) error {
	var violation error
	for err := range errCh {
		if isInvariantViolation(err) {
			if violation == nil {
				violation = err
			}
			continue
		}
		e.logger.Warn("submission worker error", slog.String("error", err.Error()))
	}
	return violation
}

func (e *Engine) submitOne(ctx context.Context, p tracker.PendingRequest, attempt int) error {
	resp, err := e.computer.Compute(p.Seed, p.RequestID)
	if err != nil {
		return e.attemptFailed(ctx, p.RequestID, attempt, fmt.Sprintf("randomness computation failed: %v", err))
	}

	handle, err := e.chain.SubmitFulfillment(ctx, p.VrfRequest, resp, e.cred)
	if err != nil {
		// Shutdown, not a chain failure: leave the claimed attempt for the
		// hashless-row recovery on the next start rather than charging the
		// retry budget.
		if ctx.Err() != nil {
			return nil
		}
		if e.metrics != nil {
			e.metrics.Submissions.WithLabelValues(submitResult(err)).Inc()
		}
		return e.attemptFailed(ctx, p.RequestID, attempt, err.Error())
	}

	if err := e.tracker.RecordTxHash(ctx, p.RequestID, handle.Hash); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.Submissions.WithLabelValues("accepted").Inc()
	}
	e.logger.Debug("fulfillment submitted",
		slog.Uint64("requestId", p.RequestID),
		slog.String("txHash", handle.Hash.Hex()),
		slog.Int("attempt", attempt),
	)
	e.emit(types.EngineEvent{
		Type:      "submitted",
		RequestID: p.RequestID,
		Status:    types.StatusSubmitted,
		Attempt:   attempt,
		TxHash:    handle.Hash.Hex(),
	})
	return nil
}

// attemptFailed applies the bounded retry policy to a failed attempt:
// deferred with backoff while under the bound, terminally failed at it.
func (e *Engine) attemptFailed(ctx context.Context, requestID uint64, attempt int, cause string) error {
	if e.retry.Exhausted(attempt) {
		if err := e.tracker.MarkFailed(ctx, requestID, cause); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.FailedTerminal.Inc()
		}
		e.mu.Lock()
		delete(e.observedAt, requestID)
		e.mu.Unlock()
		// Terminal failures are surfaced loudly for operator attention and
		// must be distinguishable from transient retries.
		e.logger.Error("request terminally failed, manual intervention required",
			slog.Uint64("requestId", requestID),
			slog.Int("attempts", attempt),
			slog.String("cause", cause),
		)
		e.emit(types.EngineEvent{
			Type:      "failed",
			RequestID: requestID,
			Status:    types.StatusFailed,
			Attempt:   attempt,
			Error:     cause,
		})
		return nil
	}

	nextRetry := time.Now().Add(e.retry.NextDelay(attempt))
	if err := e.tracker.Defer(ctx, requestID, cause, nextRetry); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.Retries.Inc()
	}
	e.logger.Warn("fulfillment attempt failed, will retry",
		slog.Uint64("requestId", requestID),
		slog.Int("attempt", attempt),
		slog.Int("maxAttempts", e.retry.MaxAttempts),
		slog.Time("nextRetry", nextRetry),
		slog.String("cause", cause),
	)
	e.emit(types.EngineEvent{
		Type:      "deferred",
		RequestID: requestID,
		Status:    types.StatusPending,
		Attempt:   attempt,
		Error:     cause,
	})
	return nil
}

func (e *Engine) emit(event types.EngineEvent) {
	if e.onEvent == nil {
		return
	}
	event.Timestamp = time.Now()
	e.onEvent(event)
}

// Status returns a snapshot for the status API.
func (e *Engine) Status(ctx context.Context) (types.EngineStatus, error) {
	counts, err := e.tracker.CountByStatus(ctx)
	if err != nil {
		return types.EngineStatus{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return types.EngineStatus{
		Cursor:       e.cursor,
		Head:         e.head,
		InFlight:     e.inFlight,
		Counts:       counts,
		UptimeSec:    time.Since(e.startedAt).Seconds(),
		LastTickAt:   e.lastTickAt,
		LastTickErr:  e.lastTickErr,
		PollInterval: e.interval.Seconds(),
	}, nil
}

func isInvariantViolation(err error) bool {
	return errors.Is(err, tracker.ErrCursorRegression) ||
		errors.Is(err, tracker.ErrDuplicateInFlight) ||
		errors.Is(err, tracker.ErrInvalidTransition) ||
		errors.Is(err, tracker.ErrUnknownRequest)
}

func submitResult(err error) string {
	switch {
	case errors.Is(err, chain.ErrTransactionRejected):
		return "rejected"
	case errors.Is(err, chain.ErrNodeUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
