package bench

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/vrffulfiller/internal/chain"
	"github.com/gateway-fm/vrffulfiller/internal/metrics"
	"github.com/gateway-fm/vrffulfiller/internal/secrets"
	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

// Config holds benchmark parameters.
type Config struct {
	Chain    chain.Client
	Accounts []*secrets.Credential

	RequestsPerAccount int           // default 1
	Rate               float64       // requests per second across all accounts; default 10
	ScanInterval       time.Duration // fulfillment scan cadence; default 2s
	Timeout            time.Duration // overall deadline; default 10m

	Logger *slog.Logger
}

// Result summarizes one benchmark run.
type Result struct {
	Requested   int                 `json:"requested"`
	SendFailed  int                 `json:"sendFailed"`
	Fulfilled   int                 `json:"fulfilled"`
	Unfulfilled int                 `json:"unfulfilled"`
	Duration    float64             `json:"durationSec"`
	Latency     *types.LatencyStats `json:"latencyMs"`
}

// Driver spams randomness requests from the configured accounts and measures
// the wall time from request observation to fulfillment observation.
type Driver struct {
	chain        chain.Client
	accounts     []*secrets.Credential
	perAccount   int
	pacer        *Pacer
	scanInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

// NewDriver creates a Driver.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("at least one account is required")
	}

	perAccount := cfg.RequestsPerAccount
	if perAccount <= 0 {
		perAccount = 1
	}
	rate := cfg.Rate
	if rate <= 0 {
		rate = 10
	}
	scanInterval := cfg.ScanInterval
	if scanInterval <= 0 {
		scanInterval = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		chain:        cfg.Chain,
		accounts:     cfg.Accounts,
		perAccount:   perAccount,
		pacer:        NewPacer(rate),
		scanInterval: scanInterval,
		timeout:      timeout,
		logger:       logger,
	}, nil
}

// Run executes the benchmark: sends the configured request load, then scans
// the chain for request and fulfillment events until every observed request
// is fulfilled or the deadline passes.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	startBlock, err := d.chain.HeadBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read head block: %w", err)
	}

	total := len(d.accounts) * d.perAccount
	d.logger.Info("starting benchmark",
		slog.Int("accounts", len(d.accounts)),
		slog.Int("requestsPerAccount", d.perAccount),
		slog.Int("total", total),
	)

	sent, sendFailed := d.sendRequests(ctx)
	if sent == 0 {
		return nil, fmt.Errorf("all %d request sends failed", sendFailed)
	}

	stats := metrics.NewStreamingLatencyStats()
	fulfilled, err := d.scan(ctx, startBlock, sent, stats)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Requested:   sent,
		SendFailed:  sendFailed,
		Fulfilled:   fulfilled,
		Unfulfilled: sent - fulfilled,
		Duration:    time.Since(start).Seconds(),
		Latency:     stats.Stats(),
	}

	d.logger.Info("benchmark complete",
		slog.Int("requested", result.Requested),
		slog.Int("fulfilled", result.Fulfilled),
		slog.Int("unfulfilled", result.Unfulfilled),
		slog.Float64("durationSec", result.Duration),
	)
	return result, nil
}

// sendRequests broadcasts the request load, paced across accounts.
// Returns the number of requests accepted by the node.
func (d *Driver) sendRequests(ctx context.Context) (sent, failed int) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, account := range d.accounts {
		wg.Add(1)
		go func(cred *secrets.Credential) {
			defer wg.Done()
			for i := 0; i < d.perAccount; i++ {
				if err := d.pacer.Wait(ctx); err != nil {
					return
				}

				var seed [32]byte
				if _, err := rand.Read(seed[:]); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
					continue
				}

				_, err := d.chain.SubmitRequest(ctx, seed, cred)
				mu.Lock()
				if err != nil {
					failed++
				} else {
					sent++
				}
				mu.Unlock()
				if err != nil {
					d.logger.Warn("request send failed",
						slog.String("account", cred.Address().Hex()),
						slog.String("error", err.Error()),
					)
				}
			}
		}(account)
	}

	wg.Wait()
	return sent, failed
}

// scan polls for request and fulfillment events from the benchmark accounts,
// recording per-request latency as each fulfillment is first observed.
func (d *Driver) scan(ctx context.Context, startBlock uint64, expected int, stats *metrics.StreamingLatencyStats) (int, error) {
	ours := make(map[string]bool, len(d.accounts))
	for _, a := range d.accounts {
		ours[a.Address().Hex()] = true
	}

	requestedAt := make(map[uint64]time.Time)
	fulfilledCount := 0
	cursor := startBlock

	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	for fulfilledCount < expected {
		select {
		case <-ctx.Done():
			d.logger.Warn("benchmark deadline reached before full fulfillment",
				slog.Int("fulfilled", fulfilledCount),
				slog.Int("expected", expected),
			)
			return fulfilledCount, nil
		case <-ticker.C:
		}

		head, err := d.chain.HeadBlock(ctx)
		if err != nil {
			d.logger.Warn("head poll failed", slog.String("error", err.Error()))
			continue
		}
		if head <= cursor {
			continue
		}

		now := time.Now()
		requests, err := d.chain.RequestsInRange(ctx, cursor+1, head)
		if err != nil {
			d.logger.Warn("request scan failed", slog.String("error", err.Error()))
			continue
		}
		for _, req := range requests {
			if !ours[req.Requester.Hex()] {
				continue
			}
			if _, seen := requestedAt[req.RequestID]; !seen {
				requestedAt[req.RequestID] = now
			}
		}

		fulfilled, err := d.chain.FulfilledInRange(ctx, cursor+1, head)
		if err != nil {
			d.logger.Warn("fulfillment scan failed", slog.String("error", err.Error()))
			continue
		}
		for _, id := range fulfilled {
			at, seen := requestedAt[id]
			if !seen {
				continue // someone else's request
			}
			delete(requestedAt, id)
			fulfilledCount++
			stats.Add(float64(now.Sub(at).Milliseconds()))
		}

		cursor = head
	}

	return fulfilledCount, nil
}
