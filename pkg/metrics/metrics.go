package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters. Label cardinality is kept small: outcomes and event
// kinds only, never conversation or user ids.
var (
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_sends_total",
		Help: "Message send attempts by outcome (confirmed|failed|retried).",
	}, []string{"outcome"})

	MergeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_merge_events_total",
		Help: "Realtime events applied by the merge layer, by kind.",
	}, []string{"kind"})

	MergeDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_merge_duplicates_total",
		Help: "Realtime events absorbed as duplicates or self-echoes.",
	})

	StoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_store_ops_total",
		Help: "Local store mutations by operation (upsert|replace|delete).",
	}, []string{"op"})

	FeedDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_feed_dropped_total",
		Help: "Change-feed notifications dropped on slow subscribers.",
	})

	EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_event_queue_depth",
		Help: "Current depth of the realtime event queue.",
	})

	EventQueueDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_event_queue_dropped_total",
		Help: "Realtime events dropped because the queue was full.",
	})

	PagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_pages_fetched_total",
		Help: "Remote history pages fetched by the pagination manager.",
	})

	ReadReceiptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_read_receipts_total",
		Help: "Remote mark-read calls issued.",
	})
)
