// Package telemetry wires up the Prometheus exporter for the OpenTelemetry
// metrics recorded by the blacklist engine, resolver and cache.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Blacklist lookups
	LookupsTotal   metric.Int64Counter
	LookupDuration metric.Float64Histogram
	Hits           metric.Int64Counter
	GarbageReplies metric.Int64Counter
	ResolverErrors metric.Int64Counter
	LateAnswers    metric.Int64Counter

	// Engine decisions
	PolicyActions  metric.Int64Counter
	SkippedClients metric.Int64Counter

	// Answer cache
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Gauges
	InFlightQueries metric.Int64UpDownCounter
	Exemptions      metric.Int64UpDownCounter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:            cfg,
		logger:         logger,
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)

	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	return NewMetrics(t.meterProvider.Meter("irc-dnsbl"))
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var errs []error

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return g
	}

	m.LookupsTotal = counter("dnsbl.lookups.total", "DNSBL queries dispatched")
	m.Hits = counter("dnsbl.hits", "DNSBL answers that listed the client")
	m.GarbageReplies = counter("dnsbl.garbage_replies", "DNSBL answers outside 127.0.0.0/8")
	m.ResolverErrors = counter("dnsbl.resolver_errors", "DNSBL queries that failed to resolve")
	m.LateAnswers = counter("dnsbl.late_answers", "Answers discarded because the query was no longer tracked")
	m.PolicyActions = counter("dnsbl.policy_actions", "Response policy actions executed")
	m.SkippedClients = counter("dnsbl.clients.skipped", "Connecting clients not checked")
	m.CacheHits = counter("dnsbl.cache.hits", "Resolver answer cache hits")
	m.CacheMisses = counter("dnsbl.cache.misses", "Resolver answer cache misses")
	m.InFlightQueries = gauge("dnsbl.queries.in_flight", "DNSBL queries awaiting an answer")
	m.Exemptions = gauge("dnsbl.exemptions", "Number of exempt IP addresses")

	duration, err := meter.Float64Histogram(
		"dnsbl.lookup.duration",
		metric.WithDescription("DNSBL query round trip in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		errs = append(errs, fmt.Errorf("dnsbl.lookup.duration: %w", err))
	}
	m.LookupDuration = duration

	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to create metrics: %w", errors.Join(errs...))
	}
	return &m, nil
}

func zoneAttr(zone string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("zone", zone))
}

// RecordLookup counts a dispatched query
func (m *Metrics) RecordLookup(ctx context.Context, zone string) {
	if m != nil && m.LookupsTotal != nil {
		m.LookupsTotal.Add(ctx, 1, zoneAttr(zone))
	}
}

// ObserveLookup records the round trip of an answered query
func (m *Metrics) ObserveLookup(ctx context.Context, zone string, d time.Duration) {
	if m != nil && m.LookupDuration != nil {
		m.LookupDuration.Record(ctx, float64(d)/float64(time.Millisecond), zoneAttr(zone))
	}
}

// RecordHit counts a listing reported by zone
func (m *Metrics) RecordHit(ctx context.Context, zone string) {
	if m != nil && m.Hits != nil {
		m.Hits.Add(ctx, 1, zoneAttr(zone))
	}
}

// RecordGarbage counts a malformed answer from zone
func (m *Metrics) RecordGarbage(ctx context.Context, zone string) {
	if m != nil && m.GarbageReplies != nil {
		m.GarbageReplies.Add(ctx, 1, zoneAttr(zone))
	}
}

// RecordResolverError counts a failed query against zone
func (m *Metrics) RecordResolverError(ctx context.Context, zone string) {
	if m != nil && m.ResolverErrors != nil {
		m.ResolverErrors.Add(ctx, 1, zoneAttr(zone))
	}
}

// RecordLateAnswer counts an answer for an invalidated query
func (m *Metrics) RecordLateAnswer(ctx context.Context) {
	if m != nil && m.LateAnswers != nil {
		m.LateAnswers.Add(ctx, 1)
	}
}

// RecordAction counts an executed response policy action
func (m *Metrics) RecordAction(ctx context.Context, action string) {
	if m != nil && m.PolicyActions != nil {
		m.PolicyActions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

// RecordSkip counts a connecting client that was not checked
func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	if m != nil && m.SkippedClients != nil {
		m.SkippedClients.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordCacheHit counts a resolver cache hit
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m != nil && m.CacheHits != nil {
		m.CacheHits.Add(ctx, 1)
	}
}

// RecordCacheMiss counts a resolver cache miss
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m != nil && m.CacheMisses != nil {
		m.CacheMisses.Add(ctx, 1)
	}
}

// AddInFlight adjusts the in-flight query gauge
func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m != nil && m.InFlightQueries != nil && delta != 0 {
		m.InFlightQueries.Add(ctx, delta)
	}
}

// AddExemptions adjusts the exemption gauge
func (m *Metrics) AddExemptions(ctx context.Context, delta int64) {
	if m != nil && m.Exemptions != nil && delta != 0 {
		m.Exemptions.Add(ctx, delta)
	}
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry
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
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
