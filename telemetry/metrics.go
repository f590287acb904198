// Package telemetry provides OpenTelemetry metrics for cache and storage
// operations.
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
	meterName = "github.com/wolfeidau/media-cache"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
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
	storageRequestDuration metric.Float64Histogram
	storageRequestsTotal   metric.Int64Counter
	storageBytesTotal      metric.Int64Counter

	fetchDuration   metric.Float64Histogram
	fetchTotal      metric.Int64Counter
	fetchBytesTotal metric.Int64Counter

	cacheLookupsTotal metric.Int64Counter
	downloadSize      metric.Float64Histogram

	gcDeletedTotal metric.Int64Counter
	gcBytesTotal   metric.Int64Counter
	gcDuration     metric.Float64Histogram

	cacheSizeBytes    metric.Int64Gauge
	cacheEntries      metric.Int64Gauge
	cacheMaxSizeBytes metric.Int64Gauge

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
		cfg.ServiceName = "media-cache"
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

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	storageRequestDuration, err := meter.Float64Histogram(
		"media_cache_storage_request_duration_seconds",
		metric.WithDescription("Duration of storage client operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storageRequestsTotal, err := meter.Int64Counter(
		"media_cache_storage_requests_total",
		metric.WithDescription("Total number of storage client operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storageBytesTotal, err := meter.Int64Counter(
		"media_cache_storage_bytes_total",
		metric.WithDescription("Total bytes transferred in storage operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"media_cache_remote_fetch_duration_seconds",
		metric.WithDescription("Duration of remote fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	fetchTotal, err := meter.Int64Counter(
		"media_cache_remote_fetch_total",
		metric.WithDescription("Total number of remote fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	fetchBytesTotal, err := meter.Int64Counter(
		"media_cache_remote_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from remote storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"media_cache_lookups_total",
		metric.WithDescription("Total cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	downloadSize, err := meter.Float64Histogram(
		"media_cache_download_size_bytes",
		metric.WithDescription("Size of media files downloaded into the cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576, 2097152, 4194304, 8388608, 16777216, 33554432, 67108864, 134217728, 268435456, 536870912, 1073741824),
	)
	if err != nil {
		return err
	}

	gcDeletedTotal, err := meter.Int64Counter(
		"media_cache_gc_deleted_total",
		metric.WithDescription("Total files deleted by garbage collection"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	gcBytesTotal, err := meter.Int64Counter(
		"media_cache_gc_bytes_total",
		metric.WithDescription("Total bytes freed by garbage collection"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	gcDuration, err := meter.Float64Histogram(
		"media_cache_gc_duration_seconds",
		metric.WithDescription("Duration of garbage collection runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	cacheSizeBytes, err := meter.Int64Gauge(
		"media_cache_size_bytes",
		metric.WithDescription("Current size of the media cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"media_cache_entries",
		metric.WithDescription("Current number of cached media files"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheMaxSizeBytes, err := meter.Int64Gauge(
		"media_cache_max_size_bytes",
		metric.WithDescription("Configured maximum cache size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		storageRequestDuration: storageRequestDuration,
		storageRequestsTotal:   storageRequestsTotal,
		storageBytesTotal:      storageBytesTotal,
		fetchDuration:          fetchDuration,
		fetchTotal:             fetchTotal,
		fetchBytesTotal:        fetchBytesTotal,
		cacheLookupsTotal:      cacheLookupsTotal,
		downloadSize:           downloadSize,
		gcDeletedTotal:         gcDeletedTotal,
		gcBytesTotal:           gcBytesTotal,
		gcDuration:             gcDuration,
		cacheSizeBytes:         cacheSizeBytes,
		cacheEntries:           cacheEntries,
		cacheMaxSizeBytes:      cacheMaxSizeBytes,
		meterProvider:          mp,
		promHandler:            promHandler,
	}

	return nil
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

// RecordStorageOp records storage client operation metrics.
func RecordStorageOp(ctx context.Context, fs, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("fs", fs),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storageRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storageRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storageBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordRemoteFetch records a remote fetch request.
func RecordRemoteFetch(ctx context.Context, fs string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("fs", fs),
		attribute.String("outcome", outcome),
	}
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.fetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCacheLookup records a cache lookup and its result.
func RecordCacheLookup(ctx context.Context, fs string, result CacheResult) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("fs", fs),
		attribute.String("result", string(result)),
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDownloadSize records the size of a media file downloaded into the
// cache.
func RecordDownloadSize(ctx context.Context, fs string, size int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("fs", fs)}
	globalMetrics.downloadSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordGCDeleted records files removed by one garbage collection run.
// kind is "media" or "sidecar".
func RecordGCDeleted(ctx context.Context, kind string, deleted int, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("kind", kind))
	globalMetrics.gcDeletedTotal.Add(ctx, int64(deleted), attrs)
	if bytes > 0 {
		globalMetrics.gcBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordGCDuration records the duration of one garbage collection run.
func RecordGCDuration(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.gcDuration.Record(ctx, duration.Seconds())
}

// UpdateCacheState updates the cache size gauges. Called after downloads
// and garbage collection runs.
func UpdateCacheState(ctx context.Context, sizeBytes int64, entries int, maxBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheSizeBytes.Record(ctx, sizeBytes)
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	if maxBytes > 0 {
		globalMetrics.cacheMaxSizeBytes.Record(ctx, maxBytes)
	}
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
