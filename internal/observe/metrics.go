// Package observe provides application-wide observability primitives for
// Voicepipe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voicepipe metrics.
const meterName = "github.com/wayfarerhq/voicepipe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkLatency tracks per-chunk pipeline processing latency, from capture
	// block assembly to transport hand-off.
	ChunkLatency metric.Float64Histogram

	// DenoiseDuration tracks noise-cancellation processing latency per chunk.
	DenoiseDuration metric.Float64Histogram

	// EdgeQueryDuration tracks on-device query processing latency.
	EdgeQueryDuration metric.Float64Histogram

	// --- Counters ---

	// EdgeQueries counts processed queries. Use with attributes:
	//   attribute.String("source", ...), attribute.String("category", ...)
	EdgeQueries metric.Int64Counter

	// ChunksDropped counts audio chunks discarded due to buffer pressure or
	// stage faults. Use with attribute:
	//   attribute.String("reason", ...)
	ChunksDropped metric.Int64Counter

	// TransportBytes counts bytes handed to the packet transport.
	TransportBytes metric.Int64Counter

	// --- Error counters ---

	// EdgeFaults counts recovered panics and rule failures during query
	// processing.
	EdgeFaults metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of live capture streams.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time audio latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkLatency, err = m.Float64Histogram("voicepipe.chunk.latency",
		metric.WithDescription("Per-chunk pipeline processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DenoiseDuration, err = m.Float64Histogram("voicepipe.denoise.duration",
		metric.WithDescription("Noise-cancellation latency per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EdgeQueryDuration, err = m.Float64Histogram("voicepipe.edge.query.duration",
		metric.WithDescription("On-device query processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EdgeQueries, err = m.Int64Counter("voicepipe.edge.queries",
		metric.WithDescription("Total processed queries by source and category."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voicepipe.chunks.dropped",
		metric.WithDescription("Total audio chunks discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.TransportBytes, err = m.Int64Counter("voicepipe.transport.bytes",
		metric.WithDescription("Total bytes handed to the packet transport."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EdgeFaults, err = m.Int64Counter("voicepipe.edge.faults",
		metric.WithDescription("Total recovered faults during query processing."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("voicepipe.active_streams",
		metric.WithDescription("Number of live capture streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicepipe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEdgeQuery is a convenience method that records a processed query
// counter increment with the standard attribute set.
func (m *Metrics) RecordEdgeQuery(ctx context.Context, source, category string) {
	m.EdgeQueries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("category", category),
		),
	)
}

// RecordChunkDropped is a convenience method that records a dropped-chunk
// counter increment.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordEdgeFault is a convenience method that records a recovered fault
// counter increment.
func (m *Metrics) RecordEdgeFault(ctx context.Context, category string) {
	m.EdgeFaults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("category", category)),
	)
}
