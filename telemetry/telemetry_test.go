package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lustre-irods/connector/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	stats []ShardStats
}

func (f *fakeLister) ShardStats() []ShardStats {
	return f.stats
}

func scrape(t *testing.T) string {
	t.Helper()
	handler := GetMetricsHandler()
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNoopMetricsBeforeInit(t *testing.T) {
	assert.Nil(t, GetMetricsHandler())

	// Defaults must be safe to use before InitMetrics
	RecordsReadTotal.With("mdt0").Inc()
	CatalogCallSeconds.With("mdt0", "direct", "ok").Observe(0.1)
	ShardsRunning.Set(1)
}

func TestMetricsExposedAfterInit(t *testing.T) {
	original := cfg.Config
	defer func() {
		cfg.Config = original
		registry = nil
	}()
	cfg.Config = &cfg.Configuration{InstanceID: 99, Prometheus: cfg.PrometheusConfiguration{Enabled: true}}

	InitializeTelemetry()
	InitMetrics()

	lister := &fakeLister{stats: []ShardStats{
		{MDT: "lustre01-MDT0000", Cursor: 42, Pending: 3, Failures: 1},
		{MDT: "lustre01-MDT0001", Cursor: 7},
	}}
	mc := NewMetricsCollector(lister, time.Hour)
	mc.collect()

	body := scrape(t)
	assert.Contains(t, body, `lustre_irods_connector_cursor_position{instance_id="99",mdt="lustre01-MDT0000"} 42`)
	assert.Contains(t, body, `lustre_irods_connector_cursor_position{instance_id="99",mdt="lustre01-MDT0001"} 7`)
	assert.Contains(t, body, `lustre_irods_connector_shards_running{instance_id="99"} 2`)

	// MDT0001 stopped, its series go away
	lister.stats = lister.stats[:1]
	mc.collect()

	body = scrape(t)
	assert.Contains(t, body, `lustre_irods_connector_cursor_position{instance_id="99",mdt="lustre01-MDT0000"} 42`)
	assert.NotContains(t, body, `mdt="lustre01-MDT0001"`)
	assert.Contains(t, body, `lustre_irods_connector_shards_running{instance_id="99"} 1`)

	mc.Start()
	mc.Stop()
}
