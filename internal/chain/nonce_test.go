package chain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/vrffulfiller/internal/rpc"
)

// stubNonceRPC answers the nonce queries the guard makes; everything else on
// rpc.Client panics if touched.
type stubNonceRPC struct {
	rpc.Client

	mu        sync.Mutex
	pending   uint64
	confirmed uint64
	err       error
}

func (s *stubNonceRPC) GetNonce(ctx context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.pending, nil
}

func (s *stubNonceRPC) GetConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.confirmed, nil
}

var testSigner = common.HexToAddress("0x3333333333333333333333333333333333333333")

func TestReserveSequential(t *testing.T) {
	client := &stubNonceRPC{pending: 100}
	guard := newNonceGuard(testSigner)
	ctx := context.Background()

	// First reserve syncs from the chain.
	for i, want := range []uint64{100, 101, 102} {
		n, err := guard.Reserve(ctx, client)
		if err != nil {
			t.Fatalf("Reserve() #%d error = %v", i, err)
		}
		if n.Value() != want {
			t.Errorf("Reserve() #%d = %d, want %d", i, n.Value(), want)
		}
		n.Commit()
	}
}

func TestRollbackMostRecent(t *testing.T) {
	client := &stubNonceRPC{pending: 100}
	guard := newNonceGuard(testSigner)
	ctx := context.Background()

	n, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if n.Value() != 100 {
		t.Fatalf("Reserve() = %d, want 100", n.Value())
	}

	// A failed broadcast rolls the reservation back; the next transaction
	// reuses the same nonce instead of leaving a gap.
	n.Rollback()

	retry, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() after rollback error = %v", err)
	}
	if retry.Value() != 100 {
		t.Errorf("Reserve() after rollback = %d, want 100", retry.Value())
	}
	retry.Commit()
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	client := &stubNonceRPC{pending: 100}
	guard := newNonceGuard(testSigner)
	ctx := context.Background()

	n, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	n.Commit()

	// The deferred rollback after a successful broadcast must not return the
	// committed nonce.
	n.Rollback()
	n.Rollback()

	next, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if next.Value() != 101 {
		t.Errorf("Reserve() after commit+rollback = %d, want 101", next.Value())
	}
}

func TestOutOfOrderRollback(t *testing.T) {
	client := &stubNonceRPC{pending: 100}
	guard := newNonceGuard(testSigner)
	ctx := context.Background()

	n1, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	n2, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if n1.Value() != 100 || n2.Value() != 101 {
		t.Fatalf("reserved %d, %d, want 100, 101", n1.Value(), n2.Value())
	}

	// n1 fails while n2 is still out: rolling back n1 must not clobber n2's
	// reservation.
	n1.Rollback()
	n3, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if n3.Value() != 102 {
		t.Errorf("Reserve() after out-of-order rollback = %d, want 102", n3.Value())
	}

	// The most recent reservation does roll back.
	n3.Rollback()
	n4, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if n4.Value() != 102 {
		t.Errorf("Reserve() after in-order rollback = %d, want 102", n4.Value())
	}
}

func TestResyncSetIfHigher(t *testing.T) {
	client := &stubNonceRPC{pending: 100}
	guard := newNonceGuard(testSigner)
	ctx := context.Background()

	n, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	n.Commit()

	// The node briefly reports a stale, lower nonce. Resync must not regress
	// past reservations already handed out.
	client.mu.Lock()
	client.pending = 50
	client.mu.Unlock()
	if err := guard.Resync(ctx, client); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	next, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if next.Value() != 101 {
		t.Errorf("Reserve() after stale resync = %d, want 101", next.Value())
	}
	next.Commit()

	// A genuinely higher chain nonce (txs from elsewhere) does advance it.
	client.mu.Lock()
	client.pending = 200
	client.mu.Unlock()
	if err := guard.Resync(ctx, client); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	next, err = guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if next.Value() != 200 {
		t.Errorf("Reserve() after higher resync = %d, want 200", next.Value())
	}
}

func TestResyncConfirmedAfterRejection(t *testing.T) {
	client := &stubNonceRPC{pending: 100, confirmed: 100}
	guard := newNonceGuard(testSigner)
	ctx := context.Background()

	n, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	n.Rollback()

	// After a rejection the confirmed view is authoritative. Here the chain
	// is ahead of the local count (a prior broadcast landed unseen).
	client.mu.Lock()
	client.confirmed = 150
	client.mu.Unlock()
	if err := guard.ResyncConfirmed(ctx, client); err != nil {
		t.Fatalf("ResyncConfirmed() error = %v", err)
	}

	next, err := guard.Reserve(ctx, client)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if next.Value() != 150 {
		t.Errorf("Reserve() after confirmed resync = %d, want 150", next.Value())
	}
}

func TestReserveSyncErrorClassified(t *testing.T) {
	client := &stubNonceRPC{err: errors.New("connection refused")}
	guard := newNonceGuard(testSigner)

	_, err := guard.Reserve(context.Background(), client)
	if !errors.Is(err, ErrNodeUnavailable) {
		t.Errorf("Reserve() with unreachable node error = %v, want ErrNodeUnavailable", err)
	}
}

func TestReserveConcurrency(t *testing.T) {
	client := &stubNonceRPC{pending: 100}
	guard := newNonceGuard(testSigner)
	ctx := context.Background()

	const goroutines = 50
	values := make(chan uint64, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := guard.Reserve(ctx, client)
			if err != nil {
				t.Errorf("Reserve() error = %v", err)
				return
			}
			n.Commit()
			values <- n.Value()
		}()
	}
	wg.Wait()
	close(values)

	// Every reservation must be distinct; duplicates mean two transactions
	// would collide on one nonce.
	seen := make(map[uint64]bool, goroutines)
	for v := range values {
		if seen[v] {
			t.Errorf("nonce %d reserved twice", v)
		}
		seen[v] = true
		if v < 100 || v >= 100+goroutines {
			t.Errorf("nonce %d outside expected range [100, %d)", v, 100+goroutines)
		}
	}
	if len(seen) != goroutines {
		t.Errorf("distinct nonces = %d, want %d", len(seen), goroutines)
	}
}
