// Package observe holds the telemetry shared by the pipeline, the sessions
// and the HTTP server: OpenTelemetry instruments in [Metrics], spans for each
// utterance and stage, trace-aware loggers and the request middleware.
//
// [InitProvider] installs the SDK and a Prometheus registry for /metrics.
// Production code records through [DefaultMetrics]; tests build their own
// with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all verbatim metrics.
const meterName = "github.com/MrWong99/verbatim"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks the latency of one pipeline stage. Use with
	// attribute.String("stage", ...).
	StageDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end utterance processing latency.
	PipelineDuration metric.Float64Histogram

	// ProviderDuration tracks external provider call latency. Use with
	// attribute.String("kind", ...).
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts processed utterances. Use with
	// attribute.String("tone", ...).
	Utterances metric.Int64Counter

	// GrammarTimeouts counts grammar runs abandoned at the deadline.
	GrammarTimeouts metric.Int64Counter

	// GrammarSkipped counts runs where the remaining budget was too small to
	// start grammar correction.
	GrammarSkipped metric.Int64Counter

	// ExactMatchOverrides counts utterances answered from a recorded
	// correction without running the pipeline.
	ExactMatchOverrides metric.Int64Counter

	// RulesApplied counts runs in which at least one learned rule changed the
	// text.
	RulesApplied metric.Int64Counter

	// Corrections counts recorded corrections. Use with
	// attribute.String("source", ...).
	Corrections metric.Int64Counter

	// Feedback counts approve/reject verdicts. Use with
	// attribute.String("kind", ...).
	Feedback metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// StageFailures counts stages that panicked or failed and passed their
	// input through. Use with attribute.String("stage", ...).
	StageFailures metric.Int64Counter

	// StoreErrors counts failed learning store operations. Use with
	// attribute.String("op", ...).
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// RecordingSessions tracks the number of sessions currently recording.
	RecordingSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for a pipeline that must answer within a couple of seconds.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("verbatim.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("verbatim.pipeline.duration",
		metric.WithDescription("End-to-end latency of one utterance through the pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("verbatim.provider.duration",
		metric.WithDescription("Latency of external provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("verbatim.utterances",
		metric.WithDescription("Total processed utterances by tone."),
	); err != nil {
		return nil, err
	}
	if met.GrammarTimeouts, err = m.Int64Counter("verbatim.grammar.timeouts",
		metric.WithDescription("Grammar corrections abandoned at the deadline."),
	); err != nil {
		return nil, err
	}
	if met.GrammarSkipped, err = m.Int64Counter("verbatim.grammar.skipped",
		metric.WithDescription("Runs that skipped grammar and tone for lack of budget."),
	); err != nil {
		return nil, err
	}
	if met.ExactMatchOverrides, err = m.Int64Counter("verbatim.exact_match.overrides",
		metric.WithDescription("Utterances answered from a recorded correction."),
	); err != nil {
		return nil, err
	}
	if met.RulesApplied, err = m.Int64Counter("verbatim.rules.applied",
		metric.WithDescription("Runs in which a learned rule changed the text."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("verbatim.corrections",
		metric.WithDescription("Recorded corrections by source."),
	); err != nil {
		return nil, err
	}
	if met.Feedback, err = m.Int64Counter("verbatim.feedback",
		metric.WithDescription("Approve and reject verdicts by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("verbatim.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StageFailures, err = m.Int64Counter("verbatim.stage.failures",
		metric.WithDescription("Stages that failed and passed their input through."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("verbatim.store.errors",
		metric.WithDescription("Failed learning store operations by op."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("verbatim.active_sessions",
		metric.WithDescription("Number of open client sessions."),
	); err != nil {
		return nil, err
	}
	if met.RecordingSessions, err = m.Int64UpDownCounter("verbatim.recording_sessions",
		metric.WithDescription("Number of sessions currently recording."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("verbatim.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordStageFailure increments the stage failure counter.
func (m *Metrics) RecordStageFailure(ctx context.Context, stage string) {
	m.StageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordStoreError increments the store error counter for op.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordCorrection increments the correction counter for source.
func (m *Metrics) RecordCorrection(ctx context.Context, source string) {
	m.Corrections.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordFeedback increments the feedback counter for kind.
func (m *Metrics) RecordFeedback(ctx context.Context, kind string) {
	m.Feedback.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordProviderRequest records a provider request counter increment and its
// latency with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, d time.Duration) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	m.ProviderDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}
