// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/halvick/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// RetrievalDuration tracks full retrieval latency (both searches, fusion
	// and rerank). Use with attribute.String("mode", "fused"|"semantic_only").
	RetrievalDuration metric.Float64Histogram

	// RerankDuration tracks the rerank call alone.
	RerankDuration metric.Float64Histogram

	// GenerationDuration tracks LLM call latency. Use with
	// attribute.String("op", "rewrite"|"answer"|"summarize").
	GenerationDuration metric.Float64Histogram

	// QuestionDuration tracks end-to-end pipeline latency from transcript to
	// delivered answer.
	QuestionDuration metric.Float64Histogram

	// --- Counters ---

	// Questions counts processed questions. Use with
	// attribute.String("status", "ok"|"failed") and
	// attribute.String("answer", "generated"|"fallback"|"summarized").
	Questions metric.Int64Counter

	// RetrievalDegraded counts degraded retrieval passes. Use with
	// attribute.String("reason", "rerank_failed"|"no_lexical_index").
	RetrievalDegraded metric.Int64Counter

	// BridgeDropped counts events dropped by overflowing bridge queues. Use
	// with attribute.String("bridge", "recognition"|"synthesis").
	BridgeDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RetrievalDuration, err = m.Float64Histogram("parley.retrieval.duration",
		metric.WithDescription("Latency of the full retrieval pass by mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RerankDuration, err = m.Float64Histogram("parley.rerank.duration",
		metric.WithDescription("Latency of the rerank call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("parley.generation.duration",
		metric.WithDescription("Latency of LLM calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QuestionDuration, err = m.Float64Histogram("parley.question.duration",
		metric.WithDescription("End-to-end latency from transcript to delivered answer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Questions, err = m.Int64Counter("parley.questions",
		metric.WithDescription("Total processed questions by status and answer shape."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDegraded, err = m.Int64Counter("parley.retrieval.degraded",
		metric.WithDescription("Total degraded retrieval passes by reason."),
	); err != nil {
		return nil, err
	}
	if met.BridgeDropped, err = m.Int64Counter("parley.bridge.dropped",
		metric.WithDescription("Total events dropped by overflowing bridge queues."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordQuestion records one processed question with the standard attribute
// set. answer describes the delivered shape: "generated", "fallback", or
// "summarized"; it is empty for failed questions.
func (m *Metrics) RecordQuestion(ctx context.Context, status, answer string) {
	attrs := []attribute.KeyValue{attribute.String("status", status)}
	if answer != "" {
		attrs = append(attrs, attribute.String("answer", answer))
	}
	m.Questions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDegraded records one degraded retrieval pass.
func (m *Metrics) RecordDegraded(ctx context.Context, reason string) {
	m.RetrievalDegraded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordGeneration records the latency of one LLM call.
func (m *Metrics) RecordGeneration(ctx context.Context, op string, seconds float64) {
	m.GenerationDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("op", op)),
	)
}
