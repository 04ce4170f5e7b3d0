package scout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// scoutStats exposes coarse cache and committer statistics. Every scout
// registers its collectors on the registerer from its options (or a private
// registry when none is configured), labeled with the scout id.
type scoutStats struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter

	commitQueueDepth  prometheus.Gauge
	commitBatchSize   prometheus.Histogram
	fetchesInProgress prometheus.Gauge
	notifications     prometheus.Counter
}

func newScoutStats(scoutId string, registerer prometheus.Registerer) *scoutStats {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{
		"scout_id": scoutId,
	}
	stats := &scoutStats{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scout_cache_hits_total",
			Help:        "Object reads served from the local cache.",
			ConstLabels: labels,
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scout_cache_misses_total",
			Help:        "Object reads that required a surrogate fetch.",
			ConstLabels: labels,
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scout_cache_evictions_total",
			Help:        "Objects evicted from the local cache.",
			ConstLabels: labels,
		}),
		commitQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "scout_commit_queue_depth",
			Help:        "Locally committed transactions awaiting global commit.",
			ConstLabels: labels,
		}),
		commitBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "scout_commit_batch_size",
			Help:        "Transactions per commit batch sent to the surrogate.",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 8),
			ConstLabels: labels,
		}),
		fetchesInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "scout_fetches_in_progress",
			Help:        "Outstanding object fetch requests.",
			ConstLabels: labels,
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scout_update_notifications_total",
			Help:        "Update notification batches received from the surrogate.",
			ConstLabels: labels,
		}),
	}
	registerer.MustRegister(
		stats.cacheHits,
		stats.cacheMisses,
		stats.cacheEvictions,
		stats.commitQueueDepth,
		stats.commitBatchSize,
		stats.fetchesInProgress,
		stats.notifications,
	)
	return stats
}
