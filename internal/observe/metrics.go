// Package observe holds the OpenTelemetry instruments and HTTP middleware
// shared by the transcription service.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe"

// Metrics holds every instrument the service records. Safe for concurrent use.
type Metrics struct {
	JobDuration         metric.Float64Histogram
	Jobs                metric.Int64Counter
	Attempts            metric.Int64Counter
	Chunks              metric.Int64Counter
	CacheLookups        metric.Int64Counter
	InflightJobs        metric.Int64UpDownCounter
	HTTPRequestDuration metric.Float64Histogram
}

// Transcription jobs run for seconds to minutes.
var jobBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(instrumentationName)
	var err error
	met := &Metrics{}

	if met.JobDuration, err = m.Float64Histogram("scribe.job.duration",
		metric.WithDescription("Wall time of a transcription pipeline run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("scribe.jobs",
		metric.WithDescription("Transcription requests by final status."),
	); err != nil {
		return nil, err
	}
	if met.Attempts, err = m.Int64Counter("scribe.pipeline.attempts",
		metric.WithDescription("Pipeline attempts including retries."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("scribe.chunks",
		metric.WithDescription("Recognised chunks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("scribe.cache.lookups",
		metric.WithDescription("Result cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.InflightJobs, err = m.Int64UpDownCounter("scribe.jobs.inflight",
		metric.WithDescription("Pipeline runs currently executing."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("scribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordJob records a finished request. Cached hits carry no duration.
func (m *Metrics) RecordJob(ctx context.Context, status string, attempts int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Jobs.Add(ctx, 1, attrs)
	if attempts > 0 {
		m.Attempts.Add(ctx, int64(attempts))
		m.JobDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *Metrics) RecordChunks(ctx context.Context, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.Chunks.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// CorrelationID is the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
