// Package telemetry wires up Prometheus + OpenTelemetry exporters for the
// resolver's request/cache/upstream metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/PeterCxy/workerns/pkg/config"
	"github.com/PeterCxy/workerns/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Telemetry holds the meter provider and, when enabled, the Prometheus
// exporter's HTTP server.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds the resolver's request/cache/upstream/override counters.
// It implements cache.Metrics and upstream.Metrics so those packages can
// report into it without importing this package (avoiding an import
// cycle), the same pattern the teacher uses for its storage layer.
type Metrics struct {
	DoHRequestsTotal   metric.Int64Counter
	DoHErrorsTotal     metric.Int64Counter
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	OverrideHits       metric.Int64Counter
	BlocklistHits      metric.Int64Counter
	UpstreamAttempts   metric.Int64Counter
	UpstreamFailures   metric.Int64Counter
	CacheEntries       metric.Int64UpDownCounter
}

// New creates a Telemetry instance. When cfg.Enabled is false, a no-op
// meter provider is used so instrumented code pays no cost and needs no
// nil checks.
func New(_ context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{cfg: cfg, logger: logger}

	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		t.meterProvider = noop.NewMeterProvider()
		return t, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return nil, fmt.Errorf("failed to start prometheus server: %w", err)
	}

	logger.Info("telemetry initialized", "prometheus_port", cfg.PrometheusPort)
	return t, nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics creates and registers the resolver's metric instruments.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dohresolver")

	dohRequests, err := meter.Int64Counter("doh.requests.total", metric.WithDescription("Total DoH requests received"))
	if err != nil {
		return nil, fmt.Errorf("failed to create doh requests counter: %w", err)
	}
	dohErrors, err := meter.Int64Counter("doh.errors.total", metric.WithDescription("Total DoH requests rejected as client errors"))
	if err != nil {
		return nil, fmt.Errorf("failed to create doh errors counter: %w", err)
	}
	cacheHits, err := meter.Int64Counter("cache.hits", metric.WithDescription("Cache lookups that returned records"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}
	cacheMisses, err := meter.Int64Counter("cache.misses", metric.WithDescription("Cache lookups that found nothing"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}
	overrideHits, err := meter.Int64Counter("override.hits", metric.WithDescription("Questions answered from the override table"))
	if err != nil {
		return nil, fmt.Errorf("failed to create override hits counter: %w", err)
	}
	blocklistHits, err := meter.Int64Counter("blocklist.hits", metric.WithDescription("Questions answered from the blocklist"))
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist hits counter: %w", err)
	}
	upstreamAttempts, err := meter.Int64Counter("upstream.attempts", metric.WithDescription("Upstream DoH query attempts"))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream attempts counter: %w", err)
	}
	upstreamFailures, err := meter.Int64Counter("upstream.failures", metric.WithDescription("Upstream DoH query attempts that failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream failures counter: %w", err)
	}
	cacheEntries, err := meter.Int64UpDownCounter("cache.entries", metric.WithDescription("Approximate number of cache entries written"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache entries gauge: %w", err)
	}

	return &Metrics{
		DoHRequestsTotal: dohRequests,
		DoHErrorsTotal:   dohErrors,
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
		OverrideHits:     overrideHits,
		BlocklistHits:    blocklistHits,
		UpstreamAttempts: upstreamAttempts,
		UpstreamFailures: upstreamFailures,
		CacheEntries:     cacheEntries,
	}, nil
}

// AddCacheHit implements cache.Metrics.
func (m *Metrics) AddCacheHit(ctx context.Context) {
	if m != nil && m.CacheHits != nil {
		m.CacheHits.Add(ctx, 1)
	}
}

// AddCacheMiss implements cache.Metrics.
func (m *Metrics) AddCacheMiss(ctx context.Context) {
	if m != nil && m.CacheMisses != nil {
		m.CacheMisses.Add(ctx, 1)
	}
}

// AddUpstreamAttempt implements upstream.Metrics.
func (m *Metrics) AddUpstreamAttempt(ctx context.Context) {
	if m != nil && m.UpstreamAttempts != nil {
		m.UpstreamAttempts.Add(ctx, 1)
	}
}

// AddUpstreamFailure implements upstream.Metrics.
func (m *Metrics) AddUpstreamFailure(ctx context.Context) {
	if m != nil && m.UpstreamFailures != nil {
		m.UpstreamFailures.Add(ctx, 1)
	}
}

// AddOverrideHit implements planner.Metrics.
func (m *Metrics) AddOverrideHit(ctx context.Context) {
	if m != nil && m.OverrideHits != nil {
		m.OverrideHits.Add(ctx, 1)
	}
}

// AddBlocklistHit implements override.Metrics.
func (m *Metrics) AddBlocklistHit(ctx context.Context) {
	if m != nil && m.BlocklistHits != nil {
		m.BlocklistHits.Add(ctx, 1)
	}
}

// AddCacheEntry implements cache.Metrics.
func (m *Metrics) AddCacheEntry(ctx context.Context) {
	if m != nil && m.CacheEntries != nil {
		m.CacheEntries.Add(ctx, 1)
	}
}

// AddDoHRequest implements dohserver.Metrics.
func (m *Metrics) AddDoHRequest(ctx context.Context) {
	if m != nil && m.DoHRequestsTotal != nil {
		m.DoHRequestsTotal.Add(ctx, 1)
	}
}

// AddDoHError implements dohserver.Metrics.
func (m *Metrics) AddDoHError(ctx context.Context) {
	if m != nil && m.DoHErrorsTotal != nil {
		m.DoHErrorsTotal.Add(ctx, 1)
	}
}

// MeterProvider returns the underlying meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down the Prometheus server and meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("telemetry shut down")
	return nil
}
