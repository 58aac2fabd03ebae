package dchat

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dchat_reconcile_duration_seconds",
			Help:    "Time to rebuild a conversation timeline from history.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "result"},
	)

	queryRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dchat_history_query_retries_total",
			Help: "Historical queries retried after a failure.",
		},
	)

	liveEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dchat_live_events_total",
			Help: "Live events seen by merge engines, by outcome.",
		},
		[]string{"outcome"},
	)

	nameLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dchat_name_lookups_total",
			Help: "Display name resolutions, by result.",
		},
		[]string{"result"},
	)

	sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dchat_sends_total",
			Help: "Outgoing sends, by content and result.",
		},
		[]string{"content", "result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dchat_active_sessions",
			Help: "Conversation sessions currently open or active.",
		},
	)
)

func init() {
	prometheus.MustRegister(reconcileDuration)
	prometheus.MustRegister(queryRetries)
	prometheus.MustRegister(liveEvents)
	prometheus.MustRegister(nameLookups)
	prometheus.MustRegister(sends)
	prometheus.MustRegister(activeSessions)
}
