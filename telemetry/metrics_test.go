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

	r := httptest.NewRequest(http.MethodGet, "/pypi/simple/requests/", nil)
	r = InjectTags(r)
	SetRepository(r, "pypi")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "simple_mirror_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "repository", "pypi"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "simple_mirror_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "simple_mirror_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/pypi/file/demo/1.0/demo-1.0.tar.gz", nil)
	r = InjectTags(r)
	SetRepository(r, "pypi")
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "file")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "simple_mirror_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "file"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "simple_mirror_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "repository", "none"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	require.Empty(t, findCounter(rm, "simple_mirror_http_requests_by_endpoint_total"))
}

func TestRecordCacheOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheOp(context.Background(), "redis", "get", "hit")
	RecordCacheOp(context.Background(), "redis", "get", "hit")
	RecordCacheOp(context.Background(), "redis", "get", "miss")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "simple_mirror_cache_operations_total")
	require.Len(t, dps, 2)

	var hits int64
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "hit") {
			hits = dp.Value
		}
	}
	require.EqualValues(t, 2, hits)
}

func TestRecordIndexSync(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordIndexSync(context.Background(), "pypi", "created", 3)
	RecordIndexSync(context.Background(), "pypi", "stale_served", 0)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "simple_mirror_index_sync_total"), 2)

	added := findCounter(rm, "simple_mirror_index_files_added_total")
	require.Len(t, added, 1)
	require.EqualValues(t, 3, added[0].Value)
}

func TestRecordBlobWrite_UsesRepositoryFromContext(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithRepositoryContext(context.Background(), "internal")
	RecordBlobWrite(ctx, "local", 2048)

	rm := collectMetrics(t, reader)
	dps := findHistogram(rm, "simple_mirror_blob_write_size_bytes")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "repository", "internal"))
	require.True(t, hasAttr(dps[0].Attributes, "storage", "local"))
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// None of these should panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(context.Background(), "local", "write", "success", time.Millisecond, 10)
	RecordBlobWrite(context.Background(), "s3", 10)
	RecordUpstreamFetch(context.Background(), "index", time.Millisecond, 10, "success")
	RecordCacheOp(context.Background(), "memory", "set", "ok")
	RecordIndexSync(context.Background(), "pypi", "failed", 0)
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	w := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{308, "3xx"},
		{404, "4xx"},
		{406, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
