// Package metrics provides Prometheus metrics and latency aggregation for
// the fulfillment service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the fulfiller.
type Metrics struct {
	// Counters
	RequestsObserved prometheus.Counter
	Submissions      *prometheus.CounterVec // result: accepted | rejected | unavailable
	Fulfilled        prometheus.Counter
	FailedTerminal   prometheus.Counter
	Retries          prometheus.Counter
	TickErrors       prometheus.Counter

	// Gauges
	CursorHeight prometheus.Gauge
	HeadHeight   prometheus.Gauge
	InFlight     prometheus.Gauge

	// Histograms
	FulfillmentLatency prometheus.Histogram
	TickDuration       prometheus.Histogram
}

// New creates and registers all fulfiller metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		RequestsObserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrf_requests_observed_total",
			Help: "Randomness requests observed in scanned blocks",
		}),

		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vrf_submissions_total",
			Help: "Fulfillment submissions by result",
		}, []string{"result"}),

		Fulfilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrf_fulfilled_total",
			Help: "Requests confirmed fulfilled on-chain",
		}),

		FailedTerminal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrf_failed_terminal_total",
			Help: "Requests that exhausted the retry bound",
		}),

		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrf_retries_total",
			Help: "Fulfillment attempts deferred for retry",
		}),

		TickErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrf_tick_errors_total",
			Help: "Poll ticks that ended with a transient error",
		}),

		CursorHeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vrf_cursor_height",
			Help: "Last fully scanned block height",
		}),

		HeadHeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vrf_head_height",
			Help: "Latest chain head observed",
		}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vrf_inflight_attempts",
			Help: "Unconfirmed fulfillment transactions",
		}),

		FulfillmentLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrf_fulfillment_latency_seconds",
			Help:    "Time from request observation to confirmed fulfillment",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~8.5min
		}),

		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vrf_tick_duration_seconds",
			Help:    "Duration of a full poll tick",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
