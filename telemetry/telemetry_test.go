package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maxpert/mvccoord/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledMetricsAreNoop(t *testing.T) {
	assert.Nil(t, GetMetricsHandler())
	assert.Equal(t, NoopStat{}, NewCounter("c", "c"))
	assert.Equal(t, noopGaugeVec{}, NewGaugeVec("g", "g", []string{"l"}))

	// No-ops accept every call.
	NewHistogramVec("h", "h", []string{"l"}, WaitBuckets).With("x").Observe(1)
	NewGauge("g", "g").Dec()
}

func TestPrometheusMetricsAreServed(t *testing.T) {
	prevEnabled := cfg.Config.Prometheus.Enabled
	prevNode := cfg.Config.NodeID
	cfg.Config.Prometheus.Enabled = true
	cfg.Config.NodeID = 7
	t.Cleanup(func() {
		cfg.Config.Prometheus.Enabled = prevEnabled
		cfg.Config.NodeID = prevNode
		registry = nil
	})

	InitializeTelemetry()
	require.NotNil(t, GetMetricsHandler())

	NewCounter("sample_requests_total", "Requests").Inc()
	NewGaugeVec("sample_queue_depth", "Depth", []string{"queue"}).With("inbound").Set(3)
	NewHistogram("sample_wait_seconds", "Wait", WaitBuckets).Observe(0.2)

	srv := httptest.NewServer(GetMetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `mvccoord_coordinator_sample_requests_total{node_id="7"} 1`)
	assert.Contains(t, text, `mvccoord_coordinator_sample_queue_depth{node_id="7",queue="inbound"} 3`)
	assert.Contains(t, text, `mvccoord_coordinator_sample_wait_seconds_count{node_id="7"} 1`)
}
