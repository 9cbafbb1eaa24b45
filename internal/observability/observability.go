// Package observability wraps OpenTelemetry tracing and metrics for job
// execution. Without configured providers every call is a no-op.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// InstrumentationName identifies spans and instruments from this module.
	InstrumentationName = "kwenrich"

	AttrJobID     = "kwenrich.job.id"
	AttrJobType   = "kwenrich.job.type"
	AttrWorkerID  = "kwenrich.worker.id"
	AttrKeywords  = "kwenrich.keywords.count"
	AttrLocale    = "kwenrich.locale"
	AttrCategory  = "kwenrich.error.category"
	AttrJobStatus = "kwenrich.job.status"
)

// Tracer wraps an OpenTelemetry tracer with job-specific span helpers.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer from tp.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// NewNoopTracer creates a tracer that does nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(tracenoop.NewTracerProvider())
}

// StartJob starts a span covering one job execution.
func (t *Tracer) StartJob(ctx context.Context, jobID, jobType, workerID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "kwenrich.job", trace.WithAttributes(
		attribute.String(AttrJobID, jobID),
		attribute.String(AttrJobType, jobType),
		attribute.String(AttrWorkerID, workerID),
	))
}

// StartFetch starts a span for one enrichment backend call.
func (t *Tracer) StartFetch(ctx context.Context, locale string, keywords int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "kwenrich.fetch", trace.WithAttributes(
		attribute.String(AttrLocale, locale),
		attribute.Int(AttrKeywords, keywords),
	), trace.WithSpanKind(trace.SpanKindClient))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error, category string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if category != "" {
			span.SetAttributes(attribute.String(AttrCategory, category))
		}
	}
	span.End()
}

// Metrics holds the job execution instruments.
type Metrics struct {
	jobDuration   metric.Float64Histogram
	jobCount      metric.Int64Counter
	itemCount     metric.Int64Counter
	fetchDuration metric.Float64Histogram
}

// NewMetrics creates instruments on mp. Instrument errors fall back to
// unnamed defaults so metrics are never nil.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(InstrumentationName)
	m := &Metrics{}

	var err error
	m.jobDuration, err = meter.Float64Histogram(
		"kwenrich.job.duration",
		metric.WithDescription("Duration of job executions in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.jobDuration, _ = meter.Float64Histogram("kwenrich.job.duration")
	}

	m.jobCount, err = meter.Int64Counter(
		"kwenrich.job.count",
		metric.WithDescription("Jobs finished by status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobCount, _ = meter.Int64Counter("kwenrich.job.count")
	}

	m.itemCount, err = meter.Int64Counter(
		"kwenrich.item.count",
		metric.WithDescription("Keywords processed by outcome"),
		metric.WithUnit("{keyword}"),
	)
	if err != nil {
		m.itemCount, _ = meter.Int64Counter("kwenrich.item.count")
	}

	m.fetchDuration, err = meter.Float64Histogram(
		"kwenrich.fetch.duration",
		metric.WithDescription("Duration of enrichment backend calls in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.fetchDuration, _ = meter.Float64Histogram("kwenrich.fetch.duration")
	}

	return m
}

// NewNoopMetrics creates metrics that do nothing.
func NewNoopMetrics() *Metrics {
	return NewMetrics(metricnoop.NewMeterProvider())
}

// RecordJob records a finished job execution.
func (m *Metrics) RecordJob(ctx context.Context, jobType, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(AttrJobType, jobType),
		attribute.String(AttrJobStatus, status),
	)
	m.jobDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	m.jobCount.Add(ctx, 1, attrs)
}

// RecordItems records processed keywords for one outcome.
func (m *Metrics) RecordItems(ctx context.Context, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.itemCount.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFetch records the latency of one backend call.
func (m *Metrics) RecordFetch(ctx context.Context, d time.Duration, err error) {
	m.fetchDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.Bool("error", err != nil)))
}

// Provider bundles the tracer and metrics handed to components.
type Provider struct {
	Tracer  *Tracer
	Metrics *Metrics
}

// NewProvider builds a Provider; nil providers select the no-op variants.
func NewProvider(tp trace.TracerProvider, mp metric.MeterProvider) *Provider {
	p := &Provider{}
	if tp != nil {
		p.Tracer = NewTracer(tp)
	} else {
		p.Tracer = NewNoopTracer()
	}
	if mp != nil {
		p.Metrics = NewMetrics(mp)
	} else {
		p.Metrics = NewNoopMetrics()
	}
	return p
}

// Noop returns a Provider that records nothing.
func Noop() *Provider {
	return NewProvider(nil, nil)
}
