// internal/messaging/metrics.go

package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Messages sent through a session, by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	metricSessionOpens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_session_opens_total",
			Help: "Conversation sessions opened",
		},
	)

	metricActiveRuntimes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_active_user_runtimes",
			Help: "Users with a live sync runtime",
		},
	)

	metricStaleResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_stale_results_total",
			Help: "Async results dropped because their session was no longer current",
		},
		[]string{"operation"},
	)

	metricPageLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_page_loads_total",
			Help: "History page fetches",
		},
		[]string{"page", "result"},
	)

	metricFlushBatch = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_flush_batch_size",
			Help:    "Changes merged per coalescer flush",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	metricReadPersist = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_read_state_writes_total",
			Help: "Background read state persistence attempts",
		},
		[]string{"result"},
	)

	metricDirectorySnapshots = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_directory_snapshots_total",
			Help: "Conversation list snapshots published",
		},
	)

	metricEnrichments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_directory_enrichments_total",
			Help: "Profile enrichment passes, by outcome",
		},
		[]string{"result"},
	)

	metricProfileCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_profile_cache_lookups_total",
			Help: "Profile cache lookups",
		},
		[]string{"result"},
	)
)
