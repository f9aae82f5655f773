// Package observe holds the OpenTelemetry metrics and tracing used by the
// pipeline, the model loader and the HTTP server. Metrics are exported for
// Prometheus scraping through the bridge installed by InitProvider; tests
// build their own Metrics from a ManualReader-backed provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fmueller/quietwav/internal/pipeline"
)

const meterName = "github.com/fmueller/quietwav"

type Metrics struct {
	// StageDuration tracks pipeline stage latency. Attributes: stage, status.
	StageDuration metric.Float64Histogram

	// HTTPRequestDuration tracks request latency. Attributes: method, path,
	// status.
	HTTPRequestDuration metric.Float64Histogram

	// Requests counts processed audio requests by outcome kind.
	Requests metric.Int64Counter

	// Frames counts frames submitted to the model.
	Frames metric.Int64Counter

	// ModelLoads counts model load attempts. Attributes: status.
	ModelLoads metric.Int64Counter

	// ModelLoadDuration tracks how long loading the model took.
	ModelLoadDuration metric.Float64Histogram

	// ActiveRequests tracks requests currently being processed.
	ActiveRequests metric.Int64UpDownCounter
}

// Stage latencies span sub-millisecond batching to multi-second inference.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("quietwav.pipeline.stage.duration",
		metric.WithDescription("Latency of pipeline stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("quietwav.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("quietwav.model.load.duration",
		metric.WithDescription("Latency of loading the model."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Requests, err = m.Int64Counter("quietwav.requests",
		metric.WithDescription("Processed audio requests by outcome kind."),
	); err != nil {
		return nil, err
	}
	if met.Frames, err = m.Int64Counter("quietwav.frames",
		metric.WithDescription("Frames submitted to the model."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoads, err = m.Int64Counter("quietwav.model.loads",
		metric.WithDescription("Model load attempts by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRequests, err = m.Int64UpDownCounter("quietwav.active_requests",
		metric.WithDescription("Audio requests currently being processed."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a Metrics bound to the global meter provider,
// creating it on first call.
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

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStage records a pipeline stage and annotates the active span with
// it. Metrics satisfies pipeline.Observer.
func (m *Metrics) ObserveStage(ctx context.Context, stage string, elapsed time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("stage", stage),
		attribute.String("status", status(err)),
	}
	m.StageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("pipeline."+stage, trace.WithAttributes(
			append(attrs, attribute.Float64("elapsed_seconds", elapsed.Seconds()))...,
		))
	}
}

// RecordRequest counts one processed request by the kind of its error.
func (m *Metrics) RecordRequest(ctx context.Context, err error) {
	m.Requests.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", pipeline.Kind(err))))
}

func (m *Metrics) AddFrames(ctx context.Context, n int) {
	m.Frames.Add(ctx, int64(n))
}

func (m *Metrics) RecordModelLoad(ctx context.Context, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("status", status(err)))
	m.ModelLoads.Add(ctx, 1, attrs)
	m.ModelLoadDuration.Record(ctx, elapsed.Seconds(), attrs)
}

var _ pipeline.Observer = (*Metrics)(nil)
