package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/PeterCxy/workerns/pkg/config"
	"github.com/PeterCxy/workerns/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledUsesNoopProvider(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{Enabled: false}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider())
	assert.Nil(t, tel.prometheusServer)
}

func TestNewEnabledStartsPrometheusServer(t *testing.T) {
	logger := logging.NewDefault()
	cfg := &config.TelemetryConfig{Enabled: true, PrometheusPort: 19091}

	tel, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, tel.prometheusServer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestInitMetricsCreatesAllInstruments(t *testing.T) {
	logger := logging.NewDefault()
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logger)
	require.NoError(t, err)

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)
	assert.NotNil(t, metrics.DoHRequestsTotal)
	assert.NotNil(t, metrics.DoHErrorsTotal)
	assert.NotNil(t, metrics.CacheHits)
	assert.NotNil(t, metrics.CacheMisses)
	assert.NotNil(t, metrics.OverrideHits)
	assert.NotNil(t, metrics.BlocklistHits)
	assert.NotNil(t, metrics.UpstreamAttempts)
	assert.NotNil(t, metrics.UpstreamFailures)
	assert.NotNil(t, metrics.CacheEntries)
}

func TestMetricsRecordingDoesNotPanic(t *testing.T) {
	logger := logging.NewDefault()
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logger)
	require.NoError(t, err)
	metrics, err := tel.InitMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	metrics.AddCacheHit(ctx)
	metrics.AddCacheMiss(ctx)
	metrics.AddOverrideHit(ctx)
	metrics.AddBlocklistHit(ctx)
	metrics.AddUpstreamAttempt(ctx)
	metrics.AddUpstreamFailure(ctx)
	metrics.AddCacheEntry(ctx)
	metrics.AddDoHRequest(ctx)
	metrics.AddDoHError(ctx)
}

func TestMetricsMethodsToleratesNilReceiver(t *testing.T) {
	var metrics *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		metrics.AddCacheHit(ctx)
		metrics.AddCacheMiss(ctx)
		metrics.AddOverrideHit(ctx)
		metrics.AddBlocklistHit(ctx)
		metrics.AddUpstreamAttempt(ctx)
		metrics.AddUpstreamFailure(ctx)
		metrics.AddCacheEntry(ctx)
		metrics.AddDoHRequest(ctx)
		metrics.AddDoHError(ctx)
	})
}

func TestShutdownSucceedsWithoutPrometheus(t *testing.T) {
	logger := logging.NewDefault()
	tel, err := New(context.Background(), &config.TelemetryConfig{Enabled: false}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}
