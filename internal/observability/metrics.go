package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "searches_total", Help: "Ride searches by policy"},
		[]string{"policy"},
	)
	SearchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_matching",
		Name:      "search_candidates",
		Help:      "Rides examined per search after pruning",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "matches_total", Help: "Total number of ride matches returned"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "match_latency_seconds", Help: "Match latency seconds"})
	FallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "permissive_fallbacks_total", Help: "Strict searches that fell back to the permissive policy"})

	RideIndexOps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "ride_index_ops_total", Help: "Geo index writes by operation"},
		[]string{"op"},
	)

	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "assignments_total", Help: "Accept and reject attempts by outcome"},
		[]string{"action", "outcome"},
	)
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "requests_created_total", Help: "Ride requests created"},
		[]string{"kind"},
	)

	TxAttempts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "tx_attempts_total", Help: "Store transaction attempts"})
	TxConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "tx_conflicts_total", Help: "Store transaction attempts aborted by a conflict"})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_matching", Name: "subscriptions_active", Help: "Live request subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
