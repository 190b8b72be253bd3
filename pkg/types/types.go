// Package types contains shared domain types for the VRF fulfillment service.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestStatus is the lifecycle state of a randomness request.
type RequestStatus string

const (
	// StatusPending means the request was observed but has no unconfirmed
	// fulfillment attempt. Retryable failed requests return to this state.
	StatusPending RequestStatus = "pending"
	// StatusSubmitted means a fulfillment transaction is in flight.
	StatusSubmitted RequestStatus = "submitted"
	// StatusFulfilled means the fulfillment transaction was included on-chain.
	StatusFulfilled RequestStatus = "fulfilled"
	// StatusFailed is terminal: the retry bound was exhausted.
	StatusFailed RequestStatus = "failed"
)

// VrfRequest is a randomness request observed on-chain.
type VrfRequest struct {
	RequestID   uint64         `json:"requestId"`
	Requester   common.Address `json:"requester"`
	Seed        [32]byte       `json:"seed"`
	BlockNumber uint64         `json:"blockNumber"` // block the request was observed in
	Status      RequestStatus  `json:"status"`
}

// Response is the computed randomness for a request.
type Response struct {
	Random [32]byte
	Proof  []byte
}

// InclusionStatus is the result of checking a submitted transaction.
type InclusionStatus string

const (
	InclusionPending  InclusionStatus = "pending"
	InclusionIncluded InclusionStatus = "included"
	InclusionReverted InclusionStatus = "reverted"
)

// TxHandle identifies a broadcast transaction for inclusion polling.
type TxHandle struct {
	Hash      common.Hash
	RequestID uint64
	Nonce     uint64
}

// FulfillmentAttempt is a submitted-but-unconfirmed fulfillment.
// At most one attempt per request identifier is in flight at any time.
type FulfillmentAttempt struct {
	RequestID uint64      `json:"requestId"`
	Attempt   int         `json:"attempt"`
	TxHash    common.Hash `json:"txHash"`
	LastError string      `json:"lastError,omitempty"`
	NextRetry time.Time   `json:"nextRetry,omitempty"`
}

// RetryPolicy bounds fulfillment retries for a single request.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the default bounded retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     2 * time.Minute,
	}
}

// NextDelay returns the backoff before the given attempt number (1-based).
// Doubles per attempt, capped at MaxBackoff.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// Exhausted reports whether a request that has already made `attempts`
// submissions is out of retries.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// LatencyStats summarizes a latency distribution in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// EngineEvent is broadcast to status stream subscribers when a request
// changes state.
type EngineEvent struct {
	Type      string        `json:"type"` // observed | submitted | fulfilled | failed | deferred
	RequestID uint64        `json:"requestId"`
	Status    RequestStatus `json:"status"`
	Attempt   int           `json:"attempt,omitempty"`
	TxHash    string        `json:"txHash,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EngineStatus is the snapshot served by the status API.
type EngineStatus struct {
	Network      string           `json:"network"`
	Cursor       uint64           `json:"cursor"`
	Head         uint64           `json:"head"`
	InFlight     int              `json:"inFlight"`
	Counts       map[string]int64 `json:"counts"` // requests per status
	UptimeSec    float64          `json:"uptimeSec"`
	LastTickAt   time.Time        `json:"lastTickAt"`
	LastTickErr  string           `json:"lastTickError,omitempty"`
	PollInterval float64          `json:"pollIntervalSec"`
}
