package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	r = InjectTags(r)
	SetRoute(r, "status")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_engine_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "status"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "offline_engine_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "offline_engine_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/intents", nil)
	r = InjectTags(r)
	SetRoute(r, "intents")
	SetEndpoint(r, "dispatch")

	RecordHTTP(context.Background(), r, http.StatusAccepted, 64, 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_engine_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "intents"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "dispatch"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags simulates a request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_engine_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
	require.Empty(t, findCounter(rm, "offline_engine_http_requests_by_endpoint_total"))
}

func TestRecordDrain(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordDrain(ctx, "periodic", "success", 20*time.Millisecond)
	RecordDrain(ctx, "force", "offline", 0)
	RecordSyncItems(ctx, "synced", 3)
	RecordSyncItems(ctx, "moved", 0)
	UpdateQueueDepth(ctx, 4, 1)

	rm := collectMetrics(t, reader)

	drains := findCounter(rm, "offline_engine_sync_drains_total")
	require.Len(t, drains, 2)

	hist := findHistogram(rm, "offline_engine_sync_drain_duration_seconds")
	require.Len(t, hist, 1, "offline drains record no duration")
	require.True(t, hasAttr(hist[0].Attributes, "outcome", "success"))

	items := findCounter(rm, "offline_engine_sync_items_total")
	require.Len(t, items, 1)
	require.EqualValues(t, 3, items[0].Value)

	depth := findGauge(rm, "offline_engine_sync_queue_depth")
	require.Len(t, depth, 2)
	for _, dp := range depth {
		if hasAttr(dp.Attributes, "state", "pending") {
			require.EqualValues(t, 4, dp.Value)
		} else {
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordCacheAndNetwork(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, "networkFirst", CacheStale)
	UpdateCacheSize(ctx, 2, 2048)
	RecordReaperCycle(ctx, "expiry", 5, time.Millisecond)
	RecordNetworkTransition(ctx, true, "peer")
	RecordIntent(ctx, "queued")
	RecordErrorReported(ctx, "network", "high")

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "offline_engine_cache_lookups_total")
	require.Len(t, lookups, 1)
	require.True(t, hasAttr(lookups[0].Attributes, "strategy", "networkFirst"))
	require.True(t, hasAttr(lookups[0].Attributes, "result", "stale"))

	bytes := findGauge(rm, "offline_engine_cache_bytes")
	require.Len(t, bytes, 1)
	require.EqualValues(t, 2048, bytes[0].Value)

	reaped := findCounter(rm, "offline_engine_reaper_deleted_total")
	require.Len(t, reaped, 1)
	require.EqualValues(t, 5, reaped[0].Value)

	transitions := findCounter(rm, "offline_engine_network_transitions_total")
	require.Len(t, transitions, 1)
	require.True(t, hasAttr(transitions[0].Attributes, "state", "online"))
	require.True(t, hasAttr(transitions[0].Attributes, "source", "peer"))

	require.Len(t, findCounter(rm, "offline_engine_intents_total"), 1)
	require.Len(t, findCounter(rm, "offline_engine_errors_reported_total"), 1)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// None of these should panic
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordDrain(ctx, "periodic", "success", time.Millisecond)
	RecordSyncItems(ctx, "synced", 1)
	UpdateQueueDepth(ctx, 1, 0)
	RecordCacheLookup(ctx, "cacheFirst", CacheHit)
	UpdateCacheSize(ctx, 1, 1)
	RecordRemoteFetch(ctx, "cache", time.Millisecond, 1, "success")
	RecordReaperCycle(ctx, "expiry", 0, time.Millisecond)
	RecordNetworkTransition(ctx, false, "local")
	RecordIntent(ctx, "confirmed")
	RecordErrorReported(ctx, "system", "medium")
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
