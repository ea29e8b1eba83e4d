package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Stats is a point-in-time view of the local coordinator ledger.
type Stats struct {
	CoordinatorVersion uint64
	Counter            uint64
	Committed          uint64
	Cleanup            uint64
	ActiveTxs          int
	QueryPins          int
	PendingWaits       int
}

// StatsProvider returns ledger stats, or false when this node is not coordinator.
type StatsProvider interface {
	CollectStats() (Stats, bool)
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.once.Do(func() { close(mc.stopCh) })
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
	if mc.provider == nil {
		return
	}

	s, ok := mc.provider.CollectStats()
	if !ok {
		IsCoordinator.Set(0)
		return
	}

	IsCoordinator.Set(1)
	CoordinatorVersion.Set(float64(s.CoordinatorVersion))
	UpdateLedgerStats(s)

	log.Debug().
		Uint64("crd_ver", s.CoordinatorVersion).
		Uint64("counter", s.Counter).
		Uint64("committed", s.Committed).
		Uint64("cleanup", s.Cleanup).
		Int("active_txs", s.ActiveTxs).
		Int("query_pins", s.QueryPins).
		Int("pending_waits", s.PendingWaits).
		Msg("Coordinator ledger statistics")
}
