package telemetry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls       atomic.Int32
	coordinator atomic.Bool
}

func (p *countingProvider) CollectStats() (Stats, bool) {
	p.calls.Add(1)
	if !p.coordinator.Load() {
		return Stats{}, false
	}
	return Stats{CoordinatorVersion: 3, Counter: 10, Committed: 8, Cleanup: 7, ActiveTxs: 2}, true
}

func TestMetricsCollector_CollectsPeriodically(t *testing.T) {
	p := &countingProvider{}
	p.coordinator.Store(true)

	mc := NewMetricsCollector(p, 5*time.Millisecond)
	mc.Start()
	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, time.Millisecond)

	mc.Stop()
	mc.Stop()
	after := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, p.calls.Load(), "no collection after Stop")
}

func TestMetricsCollector_NotCoordinator(t *testing.T) {
	p := &countingProvider{}

	mc := NewMetricsCollector(p, time.Hour)
	mc.Start()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond, "collects once on start")
	mc.Stop()
}

func TestMetricsCollector_NilProvider(t *testing.T) {
	mc := NewMetricsCollector(nil, time.Millisecond)
	mc.Start()
	time.Sleep(5 * time.Millisecond)
	mc.Stop()
}
