package telemetry

import (
	"context"
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
	meter := mp.Meter(meterName)

	storageRequestDuration, err := meter.Float64Histogram("media_cache_storage_request_duration_seconds")
	require.NoError(t, err)

	storageRequestsTotal, err := meter.Int64Counter("media_cache_storage_requests_total")
	require.NoError(t, err)

	storageBytesTotal, err := meter.Int64Counter("media_cache_storage_bytes_total")
	require.NoError(t, err)

	cacheLookupsTotal, err := meter.Int64Counter("media_cache_lookups_total")
	require.NoError(t, err)

	gcDeletedTotal, err := meter.Int64Counter("media_cache_gc_deleted_total")
	require.NoError(t, err)

	gcBytesTotal, err := meter.Int64Counter("media_cache_gc_bytes_total")
	require.NoError(t, err)

	cacheSizeBytes, err := meter.Int64Gauge("media_cache_size_bytes")
	require.NoError(t, err)

	cacheEntries, err := meter.Int64Gauge("media_cache_entries")
	require.NoError(t, err)

	cacheMaxSizeBytes, err := meter.Int64Gauge("media_cache_max_size_bytes")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		storageRequestDuration: storageRequestDuration,
		storageRequestsTotal:   storageRequestsTotal,
		storageBytesTotal:      storageBytesTotal,
		cacheLookupsTotal:      cacheLookupsTotal,
		gcDeletedTotal:         gcDeletedTotal,
		gcBytesTotal:           gcBytesTotal,
		cacheSizeBytes:         cacheSizeBytes,
		cacheEntries:           cacheEntries,
		cacheMaxSizeBytes:      cacheMaxSizeBytes,
		meterProvider:          mp,
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

func TestRecordStorageOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordStorageOp(context.Background(), "s3", "download", "success", 50*time.Millisecond, 2048)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_storage_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "fs", "s3"))
	require.True(t, hasAttr(dps[0].Attributes, "op", "download"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	bytesDps := findCounter(rm, "media_cache_storage_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 2048, bytesDps[0].Value)

	histDps := findHistogram(rm, "media_cache_storage_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordStorageOp_ZeroBytesNotRecorded(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordStorageOp(context.Background(), "gcs", "exists", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_storage_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "not_found"))

	bytesDps := findCounter(rm, "media_cache_storage_bytes_total")
	require.Empty(t, bytesDps)
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheLookup(context.Background(), "s3", CacheHit)
	RecordCacheLookup(context.Background(), "s3", CacheMiss)
	RecordCacheLookup(context.Background(), "s3", CacheMiss)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_lookups_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "hit") {
			require.EqualValues(t, 1, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "miss"))
			require.EqualValues(t, 2, dp.Value)
		}
	}
}

func TestRecordGCDeleted(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordGCDeleted(context.Background(), "media", 3, 4096)
	RecordGCDeleted(context.Background(), "sidecar", 2, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_cache_gc_deleted_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		if hasAttr(dp.Attributes, "kind", "media") {
			require.EqualValues(t, 3, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "kind", "sidecar"))
			require.EqualValues(t, 2, dp.Value)
		}
	}

	bytesDps := findCounter(rm, "media_cache_gc_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 4096, bytesDps[0].Value)
}

func TestUpdateCacheState(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateCacheState(context.Background(), 1<<20, 42, 32<<20)

	rm := collectMetrics(t, reader)

	sizeDps := findGauge(rm, "media_cache_size_bytes")
	require.Len(t, sizeDps, 1)
	require.EqualValues(t, 1<<20, sizeDps[0].Value)

	entryDps := findGauge(rm, "media_cache_entries")
	require.Len(t, entryDps, 1)
	require.EqualValues(t, 42, entryDps[0].Value)

	maxDps := findGauge(rm, "media_cache_max_size_bytes")
	require.Len(t, maxDps, 1)
	require.EqualValues(t, 32<<20, maxDps[0].Value)
}

func TestUpdateCacheState_UnboundedSkipsMaxGauge(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateCacheState(context.Background(), 512, 1, 0)

	rm := collectMetrics(t, reader)

	maxDps := findGauge(rm, "media_cache_max_size_bytes")
	require.Empty(t, maxDps)
}

func TestRecordStorageOp_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	// Should not panic
	RecordStorageOp(context.Background(), "s3", "download", "success", time.Millisecond, 1)
	RecordCacheLookup(context.Background(), "s3", CacheHit)
	RecordGCDeleted(context.Background(), "media", 1, 1)
	RecordGCDuration(context.Background(), time.Millisecond)
	UpdateCacheState(context.Background(), 1, 1, 1)
}
