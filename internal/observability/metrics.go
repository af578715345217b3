package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the paper-trading service.
type Metrics struct {
	// --- Locking ---
	LockAcquired     *prometheus.CounterVec
	LockContention   *prometheus.CounterVec
	LockHoldDuration prometheus.Histogram

	// --- Cache ---
	CacheHits          *prometheus.CounterVec // tier: l1 | l2
	CacheMisses        prometheus.Counter
	CacheEvictions     prometheus.Counter
	CacheInvalidations prometheus.Counter
	CacheL2Errors      prometheus.Counter
	CacheL1Size        prometheus.Gauge

	// --- Trading ---
	TradesExecuted     *prometheus.CounterVec // symbol, side
	TradesRejected     *prometheus.CounterVec // reason
	TradeApplyDuration prometheus.Histogram

	// --- Publishing ---
	TradesPublished    prometheus.Counter
	TradePublishErrors prometheus.Counter

	// --- HTTP ---
	HTTPRequests *prometheus.CounterVec // method, path, status
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
// Register once per process; tests that need a Metrics should share one
// instance or pass nil (every component treats nil as metrics-off).
func NewMetrics() *Metrics {
	holdBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		LockAcquired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_lock_acquired_total",
			Help: "Advisory locks successfully acquired",
		}, []string{"key"}),

		LockContention: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_lock_contention_total",
			Help: "Non-blocking lock attempts that found the lock held elsewhere",
		}, []string{"key"}),

		LockHoldDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paper_lock_hold_duration_seconds",
			Help:    "Time an advisory lock was held, acquire to release",
			Buckets: holdBuckets,
		}),

		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_cache_hits_total",
			Help: "Cache hits by tier",
		}, []string{"tier"}),

		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paper_cache_misses_total",
			Help: "Lookups that missed both tiers",
		}),

		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paper_cache_l1_evictions_total",
			Help: "L1 entries evicted at capacity or swept after TTL expiry",
		}),

		CacheInvalidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paper_cache_invalidations_total",
			Help: "Keys removed by pattern invalidation",
		}),

		CacheL2Errors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paper_cache_l2_errors_total",
			Help: "Redis operations that failed (cache degraded to L1-only)",
		}),

		CacheL1Size: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paper_cache_l1_entries",
			Help: "Current number of L1 entries",
		}),

		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_trades_executed_total",
			Help: "Trades executed under lock",
		}, []string{"symbol", "side"}),

		TradesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_trades_rejected_total",
			Help: "Trades rejected (lock_unavailable, validation, store)",
		}, []string{"reason"}),

		TradeApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paper_trade_apply_duration_seconds",
			Help:    "Full read-modify-write-invalidate cycle duration under lock",
			Buckets: holdBuckets,
		}),

		TradesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paper_trades_published_total",
			Help: "Trade events published to JetStream",
		}),

		TradePublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paper_trade_publish_errors_total",
			Help: "Trade event publishes that failed (non-fatal)",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paper_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: holdBuckets,
		}, []string{"method", "path"}),
	}
}
