// Package observe provides the observability surface of the capture
// pipeline: OpenTelemetry metrics, tracing helpers, and the provider setup
// that bridges metrics into a Prometheus /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) exists for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the pipeline. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesCaptured counts raw frames accepted from capture producers.
	// Attribute: source.
	FramesCaptured metric.Int64Counter

	// ChunksEmitted counts utterance chunks cut by the segmenter.
	// Attributes: source, reason.
	ChunksEmitted metric.Int64Counter

	// ChunkDuration tracks emitted chunk lengths.
	ChunkDuration metric.Float64Histogram

	// TranscriptionDuration tracks transcription backend latency.
	// Attribute: provider.
	TranscriptionDuration metric.Float64Histogram

	// TranscriptionErrors counts failed transcriptions. Attribute: provider.
	TranscriptionErrors metric.Int64Counter

	// QuestionsDetected counts validated questions. Attribute: source.
	QuestionsDetected metric.Int64Counter

	// MalformedDiscarded counts transcript fragments rejected as upstream
	// meta-instruction leaks.
	MalformedDiscarded metric.Int64Counter

	// PermissionFlips counts permission transitions. Attributes: capability,
	// to.
	PermissionFlips metric.Int64Counter

	// ActiveSessions tracks live capture sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// durationBuckets covers both chunk lengths and transcription latencies
// (seconds).
var durationBuckets = []float64{
	0.1, 0.25, 0.5, 1, 1.5, 2, 3, 4, 6, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("earshot.frames.captured",
		metric.WithDescription("Raw frames accepted from capture producers by source."),
	); err != nil {
		return nil, err
	}
	if met.ChunksEmitted, err = m.Int64Counter("earshot.chunks.emitted",
		metric.WithDescription("Utterance chunks cut by the segmenter by source and boundary reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("earshot.chunk.duration",
		metric.WithDescription("Duration of emitted chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("earshot.transcription.duration",
		metric.WithDescription("Latency of chunk transcription by provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionErrors, err = m.Int64Counter("earshot.transcription.errors",
		metric.WithDescription("Failed transcriptions by provider."),
	); err != nil {
		return nil, err
	}
	if met.QuestionsDetected, err = m.Int64Counter("earshot.questions.detected",
		metric.WithDescription("Validated, deduplicated questions by source."),
	); err != nil {
		return nil, err
	}
	if met.MalformedDiscarded, err = m.Int64Counter("earshot.transcripts.discarded",
		metric.WithDescription("Transcript fragments rejected as meta-instruction leaks."),
	); err != nil {
		return nil, err
	}
	if met.PermissionFlips, err = m.Int64Counter("earshot.permission.flips",
		metric.WithDescription("Permission transitions by capability and resulting state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Live capture sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider. Panics if instrument creation fails
// (does not happen with the global provider).
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

// RecordChunk records one emitted chunk with its duration.
func (m *Metrics) RecordChunk(ctx context.Context, source, reason string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("reason", reason),
	)
	m.ChunksEmitted.Add(ctx, 1, attrs)
	m.ChunkDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTranscription records one transcription attempt.
func (m *Metrics) RecordTranscription(ctx context.Context, provider string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.TranscriptionDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.TranscriptionErrors.Add(ctx, 1, attrs)
	}
}

// RecordPermissionFlip records one permission transition.
func (m *Metrics) RecordPermissionFlip(ctx context.Context, capability, to string) {
	m.PermissionFlips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("to", to),
	))
}
