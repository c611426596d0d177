package telemetry

import (
	"sync"
	"time"
)

// ShardStats is the point-in-time state of one shard pipeline
type ShardStats struct {
	MDT      string
	Cursor   uint64
	Pending  int
	Failures int
}

// ShardLister lists the stats of every running shard
type ShardLister interface {
	ShardStats() []ShardStats
}

// MetricsCollector periodically collects shard stats and updates telemetry gauges
type MetricsCollector struct {
	lister   ShardLister
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	seen     map[string]struct{} // shards with exported gauges
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(lister ShardLister, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		lister:   lister,
		interval: interval,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.lister == nil {
		return
	}

	stats := mc.lister.ShardStats()
	running := make(map[string]struct{}, len(stats))
	for _, s := range stats {
		running[s.MDT] = struct{}{}
		CursorPosition.With(s.MDT).Set(float64(s.Cursor))
		PendingRecords.With(s.MDT).Set(float64(s.Pending))
		FailureJournalSize.With(s.MDT).Set(float64(s.Failures))
	}

	// A stopped shard's last values would otherwise be exported forever
	for mdt := range mc.seen {
		if _, ok := running[mdt]; !ok {
			CursorPosition.Delete(mdt)
			PendingRecords.Delete(mdt)
			FailureJournalSize.Delete(mdt)
		}
	}
	mc.seen = running
	ShardsRunning.Set(float64(len(stats)))
}
