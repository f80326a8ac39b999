package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "assign_claims_total", Help: "Successful lease claims"})
	ClaimContention    = prometheus.NewCounter(prometheus.CounterOpts{Name: "assign_claim_contention_total", Help: "Claim attempts lost to another reviewer"})
	NoWorkResponses    = prometheus.NewCounter(prometheus.CounterOpts{Name: "assign_no_work_total", Help: "requestNext calls that found no claimable item"})
	ExpiryRequeues     = prometheus.NewCounter(prometheus.CounterOpts{Name: "assign_expiry_requeues_total", Help: "Leases reclaimed by the expiry sweep"})
	CacheHits          = prometheus.NewCounter(prometheus.CounterOpts{Name: "assign_cache_hits_total", Help: "Fingerprint cache hits"})
	CacheMisses        = prometheus.NewCounter(prometheus.CounterOpts{Name: "assign_cache_misses_total", Help: "Fingerprint cache misses (including degraded lookups)"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "assign_rate_limit_rejects_total", Help: "Polls rejected by the reviewer rate limiter"})
	DispatchEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_enqueued_total", Help: "Dispatch jobs accepted"})
	DispatchSaturated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_saturated_total", Help: "Enqueue attempts rejected by the queue ceiling"})
	DispatchSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_succeeded_total", Help: "Dispatch jobs completed successfully"})
	DispatchRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_retries_total", Help: "Dispatch attempts that failed and will retry"})
	DispatchTerminal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_terminal_total", Help: "Dispatch jobs that exhausted all attempts"})
	DispatchReclaims   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_reclaims_total", Help: "Running jobs reclaimed after a worker was lost"})
	DispatchDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Non-terminal dispatch jobs"})
	DispatchInFlight   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "External calls currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimSuccess,
			ClaimContention,
			NoWorkResponses,
			ExpiryRequeues,
			CacheHits,
			CacheMisses,
			RateLimitRejects,
			DispatchEnqueued,
			DispatchSaturated,
			DispatchSuccess,
			DispatchRetries,
			DispatchTerminal,
			DispatchReclaims,
			DispatchDepthGauge,
			DispatchInFlight,
		)
	})
	return promhttp.Handler()
}
