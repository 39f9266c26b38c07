package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/offline-engine"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	// Sync engine
	syncDrainsTotal   metric.Int64Counter
	syncDrainDuration metric.Float64Histogram
	syncItemsTotal    metric.Int64Counter
	syncQueueDepth    metric.Int64Gauge

	// Cache layer
	cacheLookupsTotal metric.Int64Counter
	cacheBytes        metric.Int64Gauge
	cacheEntries      metric.Int64Gauge

	// Remote fetches (instrumented transport)
	remoteFetchDuration   metric.Float64Histogram
	remoteFetchTotal      metric.Int64Counter
	remoteFetchBytesTotal metric.Int64Counter

	// Sweeper metrics
	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	networkTransitionsTotal metric.Int64Counter
	intentsTotal            metric.Int64Counter
	errorsReportedTotal     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offline-engine"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"offline_engine_http_requests_total",
		metric.WithDescription("Total number of HTTP control API requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"offline_engine_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"offline_engine_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"offline_engine_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.syncDrainsTotal, err = meter.Int64Counter(
		"offline_engine_sync_drains_total",
		metric.WithDescription("Total sync queue drains by outcome"),
		metric.WithUnit("{drain}"),
	); err != nil {
		return nil, err
	}

	if m.syncDrainDuration, err = meter.Float64Histogram(
		"offline_engine_sync_drain_duration_seconds",
		metric.WithDescription("Duration of sync queue drains"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.syncItemsTotal, err = meter.Int64Counter(
		"offline_engine_sync_items_total",
		metric.WithDescription("Total queue items processed by outcome (synced, failed, moved)"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}

	if m.syncQueueDepth, err = meter.Int64Gauge(
		"offline_engine_sync_queue_depth",
		metric.WithDescription("Items waiting in the sync queue"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"offline_engine_cache_lookups_total",
		metric.WithDescription("Total cache lookups by strategy and result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.cacheBytes, err = meter.Int64Gauge(
		"offline_engine_cache_bytes",
		metric.WithDescription("Uncompressed bytes held in the response cache"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"offline_engine_cache_entries",
		metric.WithDescription("Entries held in the response cache"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchDuration, err = meter.Float64Histogram(
		"offline_engine_remote_fetch_duration_seconds",
		metric.WithDescription("Duration of remote requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchTotal, err = meter.Int64Counter(
		"offline_engine_remote_fetch_total",
		metric.WithDescription("Total number of remote requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.remoteFetchBytesTotal, err = meter.Int64Counter(
		"offline_engine_remote_fetch_bytes_total",
		metric.WithDescription("Total bytes read from remote responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"offline_engine_reaper_deleted_total",
		metric.WithDescription("Total cache entries deleted by the sweeper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"offline_engine_reaper_duration_seconds",
		metric.WithDescription("Duration of sweeper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.networkTransitionsTotal, err = meter.Int64Counter(
		"offline_engine_network_transitions_total",
		metric.WithDescription("Total connectivity transitions by new state and source"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.intentsTotal, err = meter.Int64Counter(
		"offline_engine_intents_total",
		metric.WithDescription("Total dispatched intents by result status"),
		metric.WithUnit("{intent}"),
	); err != nil {
		return nil, err
	}

	if m.errorsReportedTotal, err = meter.Int64Counter(
		"offline_engine_errors_reported_total",
		metric.WithDescription("Total errors reported by category and level"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	route := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {route, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordDrain records one drain attempt. outcome is "success", "partial",
// "error", "offline" or "skipped".
func RecordDrain(ctx context.Context, trigger, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	)
	globalMetrics.syncDrainsTotal.Add(ctx, 1, attrs)
	if outcome != "skipped" && outcome != "offline" {
		globalMetrics.syncDrainDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordSyncItems records processed queue items. outcome is "synced",
// "failed" or "moved".
func RecordSyncItems(ctx context.Context, outcome string, n int) {
	if globalMetrics == nil || n == 0 {
		return
	}
	globalMetrics.syncItemsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// UpdateQueueDepth records the current pending and failed queue sizes.
func UpdateQueueDepth(ctx context.Context, pending, failed int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncQueueDepth.Record(ctx, int64(pending), metric.WithAttributes(attribute.String("state", "pending")))
	globalMetrics.syncQueueDepth.Record(ctx, int64(failed), metric.WithAttributes(attribute.String("state", "failed")))
}

// RecordCacheLookup records a cache lookup for a strategy.
func RecordCacheLookup(ctx context.Context, strategy string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("result", string(result)),
	))
}

// UpdateCacheSize records the current cache size gauges.
func UpdateCacheSize(ctx context.Context, entries int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.cacheBytes.Record(ctx, bytes)
}

// RecordRemoteFetch records a remote request.
func RecordRemoteFetch(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.remoteFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.remoteFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordReaperCycle records one sweeper cycle's deleted count and duration.
// reaper is "expiry" or "size". Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordNetworkTransition records a connectivity edge. source is "local",
// "probe" or "peer".
func RecordNetworkTransition(ctx context.Context, online bool, source string) {
	if globalMetrics == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	globalMetrics.networkTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("source", source),
	))
}

// RecordIntent records a dispatched intent by its result status.
func RecordIntent(ctx context.Context, status string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.intentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordErrorReported records a classified error.
func RecordErrorReported(ctx context.Context, category, level string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.errorsReportedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("level", level),
	))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
