package bench

import (
	"context"
	"sync"
	"time"
)

// Pacer issues permits at a strict minimum interval, preventing bursts.
// It tracks the next permit time instead of using a token bucket, so
// transient scheduling delays do not compound into request clumps.
type Pacer struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

// NewPacer creates a Pacer issuing at most ratePerSec permits a second.
func NewPacer(ratePerSec float64) *Pacer {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Pacer{
		next:     time.Now(),
		interval: time.Duration(float64(time.Second) / ratePerSec),
	}
}

// Wait blocks until a permit is available or the context is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	permitAt := p.next
	p.next = permitAt.Add(p.interval)
	p.mu.Unlock()

	wait := time.Until(permitAt)
	if wait <= 0 {
		// Behind schedule; proceed immediately to catch up.
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
