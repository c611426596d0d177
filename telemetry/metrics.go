package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CatalogCallBuckets for a single catalog mutation (SQL transaction or policy hook round trip)
	CatalogCallBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// BatchSizeBuckets for number of records per dispatched batch
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 200, 500, 1000}
)

// Changelog Reader Metrics
var (
	// RecordsReadTotal counts raw changelog entries received per shard
	RecordsReadTotal CounterVec = noopCounterVec{}

	// RecordsSkippedTotal counts entries not forwarded, by reason (decode, ignored, unmapped, excluded)
	RecordsSkippedTotal CounterVec = noopCounterVec{}

	// SourceErrorsTotal counts failed changelog polls
	SourceErrorsTotal CounterVec = noopCounterVec{}

	// CursorPosition tracks the last committed changelog index per shard
	CursorPosition GaugeVec = noopGaugeVec{}

	// PendingRecords tracks records read but not yet resolved per shard
	PendingRecords GaugeVec = noopGaugeVec{}
)

// Dispatch and Update Metrics
var (
	// BatchesDispatchedTotal counts batches handed to the updater pool
	BatchesDispatchedTotal CounterVec = noopCounterVec{}

	// BatchSize measures records per dispatched batch
	BatchSize HistogramVec = noopHistogramVec{}

	// RecordsAppliedTotal counts record outcomes by status (succeeded, failed, rejected, retry)
	RecordsAppliedTotal CounterVec = noopCounterVec{}

	// CatalogCallSeconds measures catalog call latency by strategy and result
	CatalogCallSeconds HistogramVec = noopHistogramVec{}

	// FailureJournalSize tracks entries in the failure journal per shard
	FailureJournalSize GaugeVec = noopGaugeVec{}
)

// Broadcast Metrics
var (
	// BroadcastDropsTotal counts announcements dropped because a subscriber was full
	BroadcastDropsTotal CounterVec = noopCounterVec{}

	// AnnouncerErrorsTotal counts failed external announcer publishes
	AnnouncerErrorsTotal CounterVec = noopCounterVec{}
)

// Process Metrics
var (
	// ShardsRunning tracks shard pipelines currently running in this process
	ShardsRunning Gauge = noop{}

	// ShardRestartsTotal counts shard pipelines restarted after a runtime failure
	ShardRestartsTotal Counter = noop{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Changelog Reader Metrics
	RecordsReadTotal = NewCounterVec(
		"records_read_total",
		"Total changelog entries received",
		[]string{"mdt"},
	)
	RecordsSkippedTotal = NewCounterVec(
		"records_skipped_total",
		"Changelog entries not forwarded to the catalog, by reason",
		[]string{"mdt", "reason"},
	)
	SourceErrorsTotal = NewCounterVec(
		"source_errors_total",
		"Failed changelog polls",
		[]string{"mdt"},
	)
	CursorPosition = NewGaugeVec(
		"cursor_position",
		"Last committed changelog index",
		[]string{"mdt"},
	)
	PendingRecords = NewGaugeVec(
		"pending_records",
		"Records read but not yet resolved",
		[]string{"mdt"},
	)

	// Dispatch and Update Metrics
	BatchesDispatchedTotal = NewCounterVec(
		"batches_dispatched_total",
		"Batches handed to the updater pool",
		[]string{"mdt"},
	)
	BatchSize = NewHistogramVec(
		"batch_size",
		"Records per dispatched batch",
		[]string{"mdt"},
		BatchSizeBuckets,
	)
	RecordsAppliedTotal = NewCounterVec(
		"records_applied_total",
		"Record outcomes by status",
		[]string{"mdt", "status"},
	)
	CatalogCallSeconds = NewHistogramVec(
		"catalog_call_seconds",
		"Catalog call duration in seconds",
		[]string{"mdt", "strategy", "result"},
		CatalogCallBuckets,
	)
	FailureJournalSize = NewGaugeVec(
		"failure_journal_size",
		"Entries in the failure journal",
		[]string{"mdt"},
	)

	// Broadcast Metrics
	BroadcastDropsTotal = NewCounterVec(
		"broadcast_drops_total",
		"Announcements dropped for slow subscribers",
		[]string{"mdt", "topic"},
	)
	AnnouncerErrorsTotal = NewCounterVec(
		"announcer_errors_total",
		"Failed external announcer publishes",
		[]string{"mdt", "topic"},
	)

	// Process Metrics
	ShardsRunning = NewGauge(
		"shards_running",
		"Shard pipelines currently running",
	)
	ShardRestartsTotal = NewCounter(
		"shard_restarts_total",
		"Shard pipelines restarted after a runtime failure",
	)
}
