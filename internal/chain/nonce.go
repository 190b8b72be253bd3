package chain

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/vrffulfiller/internal/rpc"
)

// nonceGuard tracks the signer's next nonce across concurrent submissions.
// Reserved nonces must be committed or rolled back so a failed broadcast does
// not leave a gap.
type nonceGuard struct {
	address common.Address
	mu      sync.Mutex
	nonce   uint64
	synced  bool
}

func newNonceGuard(address common.Address) *nonceGuard {
	return &nonceGuard{address: address}
}

// reservedNonce is a reserved nonce that must be committed or rolled back.
type reservedNonce struct {
	value uint64
	guard *nonceGuard
	done  atomic.Bool
}

func (n *reservedNonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as used. Idempotent.
func (n *reservedNonce) Commit() {
	n.done.Store(true)
}

// Rollback returns the nonce if it was the most recently issued one.
// Idempotent; typically deferred.
func (n *reservedNonce) Rollback() {
	if n.done.Swap(true) {
		return
	}
	n.guard.rollback(n.value)
}

// Reserve hands out the next nonce, syncing from the chain on first use.
func (g *nonceGuard) Reserve(ctx context.Context, client rpc.Client) (*reservedNonce, error) {
	g.mu.Lock()
	if !g.synced {
		g.mu.Unlock()
		if err := g.Resync(ctx, client); err != nil {
			return nil, err
		}
		g.mu.Lock()
	}
	nonce := g.nonce
	g.nonce++
	g.mu.Unlock()

	return &reservedNonce{value: nonce, guard: g}, nil
}

func (g *nonceGuard) rollback(nonce uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// Only undo the most recent reservation; out-of-order rollbacks from
	// concurrent submissions must not clobber newer nonces.
	if g.nonce == nonce+1 {
		g.nonce = nonce
	}
}

// Resync fetches the pending nonce from the chain. Set-if-higher avoids
// regressing past reservations made while the RPC call was in flight.
func (g *nonceGuard) Resync(ctx context.Context, client rpc.Client) error {
	nonce, err := client.GetNonce(ctx, g.address.Hex())
	if err != nil {
		return classifyQueryError(err)
	}
	g.mu.Lock()
	if nonce > g.nonce || !g.synced {
		g.nonce = nonce
	}
	g.synced = true
	g.mu.Unlock()
	return nil
}

// ResyncConfirmed fetches the confirmed nonce, bypassing the mempool view.
// Used after a rejection to recover the true chain state.
func (g *nonceGuard) ResyncConfirmed(ctx context.Context, client rpc.Client) error {
	nonce, err := client.GetConfirmedNonce(ctx, g.address.Hex())
	if err != nil {
		return classifyQueryError(err)
	}
	g.mu.Lock()
	if nonce > g.nonce || !g.synced {
		g.nonce = nonce
	}
	g.synced = true
	g.mu.Unlock()
	return nil
}
