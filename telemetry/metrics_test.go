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
// Returns the reader (to collect metrics) and a cleanup function.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("image_registry_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("image_registry_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("image_registry_http_request_duration_seconds")
	require.NoError(t, err)

	requestsByEndpointTotal, err := meter.Int64Counter("image_registry_http_requests_by_endpoint_total")
	require.NoError(t, err)

	manifestOpsTotal, err := meter.Int64Counter("image_registry_manifest_ops_total")
	require.NoError(t, err)

	gcDeletedTotal, err := meter.Int64Counter("image_registry_gc_deleted_total")
	require.NoError(t, err)

	gcPhaseDuration, err := meter.Float64Histogram("image_registry_gc_phase_duration_seconds")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		manifestOpsTotal:        manifestOpsTotal,
		gcDeletedTotal:          gcDeletedTotal,
		gcPhaseDuration:         gcPhaseDuration,
		meterProvider:           mp,
	}

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

	r := httptest.NewRequest(http.MethodGet, "/v2/acme/app/blobs/sha256:abc", nil)
	r = InjectTags(r)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	// Verify requests_total
	dps := findCounter(rm, "image_registry_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", "GET"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	// Verify response_bytes_total
	bytesDps := findCounter(rm, "image_registry_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	// Verify request_duration histogram
	histDps := findHistogram(rm, "image_registry_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/v2/acme/app/blobs/sha256:abc", nil)
	r = InjectTags(r)
	SetEndpoint(r, "blob")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_registry_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "blob"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r = InjectTags(r)
	// No SetEndpoint call

	RecordHTTP(context.Background(), r, http.StatusOK, 15, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	// Shared metrics should exist
	dps := findCounter(rm, "image_registry_http_requests_total")
	require.Len(t, dps, 1)

	// Detail metric should have no data points
	detailDps := findCounter(rm, "image_registry_http_requests_by_endpoint_total")
	require.Empty(t, detailDps)
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, 1*time.Millisecond)
}

func TestRecordManifestOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordManifestOp(context.Background(), "put", "success")
	RecordManifestOp(context.Background(), "put", "success")
	RecordManifestOp(context.Background(), "get", "not_found")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_registry_manifest_ops_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "op", "put") {
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "success"))
		} else {
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "not_found"))
		}
	}
}

func TestRecordGCPhase(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordGCPhase(context.Background(), "unreferenced_blobs", 7, 250*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "image_registry_gc_deleted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 7, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "phase", "unreferenced_blobs"))

	histDps := findHistogram(rm, "image_registry_gc_phase_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
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
