package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PostCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilpost_post_created_total",
		Help: "no. of posts created",
	})
	PostDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilpost_post_deleted_total",
		Help: "no. of posts deleted",
	})
	UnlockGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilpost_unlock_granted_total",
		Help: "no. of unlock requests granted",
	})
	UnlockDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veilpost_unlock_denied_total",
			Help: "no. of unlock requests denied",
		},
		[]string{"reason"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veilpost_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilpost_cache_hits_total",
		Help: "no. of post cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilpost_cache_misses_total",
		Help: "no. of post cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veilpost_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	PollerPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilpost_poller_promotions_total",
		Help: "no. of accepted-streak confirmations",
	})
	PollerTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilpost_poller_timeouts_total",
		Help: "no. of poll loops exhausted without resolution",
	})
	SplitFlows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilpost_split_flows_total",
		Help: "no. of payments that required a record split",
	})
	InsufficientFunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veilpost_insufficient_funds_total",
			Help: "no. of payments terminated at insufficient funds",
		},
		[]string{"reason"},
	)
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veilpost_seal_operations_total",
			Help: "no. of gated body seal/open operations",
		},
		[]string{"operation"},
	)
)

func Init() {
}
