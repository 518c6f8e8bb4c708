package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/docker-pull"
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

	// PushgatewayURL is a Prometheus Pushgateway that receives the run's
	// metrics at shutdown. If empty, pushing is disabled.
	PushgatewayURL string

	// Instance is the Pushgateway grouping label for this run.
	Instance string

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	layersTotal       metric.Int64Counter
	layerBytesTotal   metric.Int64Counter
	cacheLookupsTotal metric.Int64Counter

	pullsTotal   metric.Int64Counter
	pullDuration metric.Float64Histogram

	storageOpDuration   metric.Float64Histogram
	storageOpTotal      metric.Int64Counter
	storageOpBytesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	pusher        *push.Pusher
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that must be called before exit so OTLP and
// Pushgateway exports see the run's final values.
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
		cfg.ServiceName = "docker-pull"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

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
	var pusher *push.Pusher

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.PushgatewayURL != "" {
		registry := prometheus.NewRegistry()
		promExp, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		pusher = push.New(cfg.PushgatewayURL, cfg.ServiceName).Gatherer(registry)
		if cfg.Instance != "" {
			pusher = pusher.Grouping("instance", cfg.Instance)
		}
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
	m.pusher = pusher

	globalMetrics = m
	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	upstreamFetchDuration, err := meter.Float64Histogram(
		"docker_pull_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream registry requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"docker_pull_upstream_fetch_total",
		metric.WithDescription("Total number of upstream registry requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"docker_pull_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes read from upstream registries"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	layersTotal, err := meter.Int64Counter(
		"docker_pull_layers_total",
		metric.WithDescription("Total number of layers assembled"),
		metric.WithUnit("{layer}"),
	)
	if err != nil {
		return nil, err
	}

	layerBytesTotal, err := meter.Int64Counter(
		"docker_pull_layer_bytes_total",
		metric.WithDescription("Total layer bytes, compressed and uncompressed"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"docker_pull_cache_lookups_total",
		metric.WithDescription("Total blob cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	pullsTotal, err := meter.Int64Counter(
		"docker_pull_pulls_total",
		metric.WithDescription("Total number of image pulls"),
		metric.WithUnit("{pull}"),
	)
	if err != nil {
		return nil, err
	}

	pullDuration, err := meter.Float64Histogram(
		"docker_pull_pull_duration_seconds",
		metric.WithDescription("Duration of a whole image pull"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	storageOpDuration, err := meter.Float64Histogram(
		"docker_pull_storage_op_duration_seconds",
		metric.WithDescription("Duration of staging and blob cache storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, err
	}

	storageOpTotal, err := meter.Int64Counter(
		"docker_pull_storage_op_total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	storageOpBytesTotal, err := meter.Int64Counter(
		"docker_pull_storage_op_bytes_total",
		metric.WithDescription("Total bytes written through storage operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		layersTotal:             layersTotal,
		layerBytesTotal:         layerBytesTotal,
		cacheLookupsTotal:       cacheLookupsTotal,
		pullsTotal:              pullsTotal,
		pullDuration:            pullDuration,
		storageOpDuration:       storageOpDuration,
		storageOpTotal:          storageOpTotal,
		storageOpBytesTotal:     storageOpBytesTotal,
	}, nil
}

// shutdownMetrics pushes to the Pushgateway if configured, then shuts down
// the meter provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}

	var errs []error
	if globalMetrics.pusher != nil {
		if err := globalMetrics.pusher.PushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pushing metrics: %w", err))
		}
	}
	if err := globalMetrics.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	globalMetrics = nil
	return errors.Join(errs...)
}

// RecordUpstreamFetch records an upstream registry request.
func RecordUpstreamFetch(ctx context.Context, stage string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordLayer records an assembled layer with its compressed and
// uncompressed sizes.
func RecordLayer(ctx context.Context, compression string, compressed, uncompressed int64) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.layersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("compression", compression)))
	globalMetrics.layerBytesTotal.Add(ctx, compressed, metric.WithAttributes(attribute.String("form", "compressed")))
	globalMetrics.layerBytesTotal.Add(ctx, uncompressed, metric.WithAttributes(attribute.String("form", "uncompressed")))
}

// RecordCacheLookup records a blob cache lookup.
func RecordCacheLookup(ctx context.Context, hit bool) {
	if globalMetrics == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordPull records a completed pull and its outcome.
func RecordPull(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.pullsTotal.Add(ctx, 1, attrs)
	globalMetrics.pullDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStorageOp records an operation against a storage backend such as
// the staging directory or the blob cache.
func RecordStorageOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytesWritten int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.storageOpDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.storageOpTotal.Add(ctx, 1, attrs)
	if bytesWritten > 0 {
		globalMetrics.storageOpBytesTotal.Add(ctx, bytesWritten, attrs)
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
