// Package observe provides application-wide observability primitives for
// vadcal: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all vadcal metrics.
const meterName = "github.com/MrWong99/vadcal"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Segmentation ---

	// FramesProcessed counts frames scored by a VAD backend. Use with
	// attribute: attribute.String("backend", ...)
	FramesProcessed metric.Int64Counter

	// SegmentsEmitted counts emitted segments. Use with attributes:
	//   attribute.String("backend", ...), attribute.Bool("final", ...)
	SegmentsEmitted metric.Int64Counter

	// SegmentsDiscarded counts open segments dropped as false triggers.
	SegmentsDiscarded metric.Int64Counter

	// --- Oracle ---

	// OracleDuration tracks transcription latency. Use with attribute:
	//   attribute.String("provider", ...)
	OracleDuration metric.Float64Histogram

	// OracleErrors counts failed transcription calls. Use with attribute:
	//   attribute.String("provider", ...)
	OracleErrors metric.Int64Counter

	// --- Calibration ---

	// TrialDuration tracks the wall time of one calibration trial.
	TrialDuration metric.Float64Histogram

	// Trials counts finished trials. Use with attribute:
	//   attribute.String("state", ...)
	Trials metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of live segmentation streams in serve
	// mode.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for oracle
// round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// trialBuckets defines histogram bucket boundaries (in seconds) for whole
// calibration trials, which transcribe an entire corpus.
var trialBuckets = []float64{
	0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Segmentation counters.
	if met.FramesProcessed, err = m.Int64Counter("vadcal.frames.processed",
		metric.WithDescription("Total frames scored by a VAD backend."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("vadcal.segments.emitted",
		metric.WithDescription("Total emitted speech segments by finality."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("vadcal.segments.discarded",
		metric.WithDescription("Total speech segments discarded as shorter than the minimum speech duration."),
	); err != nil {
		return nil, err
	}

	// Oracle.
	if met.OracleDuration, err = m.Float64Histogram("vadcal.oracle.duration",
		metric.WithDescription("Latency of transcription oracle calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OracleErrors, err = m.Int64Counter("vadcal.oracle.errors",
		metric.WithDescription("Total failed transcription oracle calls by provider."),
	); err != nil {
		return nil, err
	}

	// Calibration.
	if met.TrialDuration, err = m.Float64Histogram("vadcal.trial.duration",
		metric.WithDescription("Wall time of one calibration trial."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(trialBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Trials, err = m.Int64Counter("vadcal.trials",
		metric.WithDescription("Total finished calibration trials by state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("vadcal.active_streams",
		metric.WithDescription("Number of live segmentation streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vadcal.http.request.duration",
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

// RecordOracleCall records the latency of one transcription call and, if it
// failed, an error counter increment.
func (m *Metrics) RecordOracleCall(ctx context.Context, provider string, seconds float64, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.OracleDuration.Record(ctx, seconds, attrs)
	if err != nil {
		m.OracleErrors.Add(ctx, 1, attrs)
	}
}

// RecordTrial records a finished calibration trial.
func (m *Metrics) RecordTrial(ctx context.Context, state string, seconds float64) {
	m.Trials.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	m.TrialDuration.Record(ctx, seconds)
}
