package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the vadcal tracer.
const tracerName = "github.com/MrWong99/vadcal"

// Span attribute keys shared by the calibration and serve paths.
const (
	AttrRunID     = attribute.Key("vadcal.run_id")
	AttrPreset    = attribute.Key("vadcal.preset")
	AttrTrial     = attribute.Key("vadcal.trial")
	AttrOracle    = attribute.Key("vadcal.oracle")
	AttrUtterance = attribute.Key("vadcal.utterance")
	AttrStream    = attribute.Key("vadcal.stream")
	AttrSegments  = attribute.Key("vadcal.segments")
)

// Tracer returns the vadcal tracer of the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartRunSpan starts the root span of one calibration run.
func StartRunSpan(ctx context.Context, runID, presetKey string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "calibrate.run", trace.WithAttributes(
		AttrRunID.String(runID),
		AttrPreset.String(presetKey),
	))
}

// StartTrialSpan starts the span of one trial below the run span in ctx.
func StartTrialSpan(ctx context.Context, index int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "calibrate.trial", trace.WithAttributes(AttrTrial.Int(index)))
}

// StartOracleSpan starts the span of one transcription request. utterance is
// omitted when empty.
func StartOracleSpan(ctx context.Context, oracle, utterance string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrOracle.String(oracle)}
	if utterance != "" {
		attrs = append(attrs, AttrUtterance.String(utterance))
	}
	return Tracer().Start(ctx, "oracle.transcribe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// StartStreamSpan starts the span covering one segmentation stream, from
// upgrade to close.
func StartStreamSpan(ctx context.Context, streamID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "segment.stream",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(append([]attribute.KeyValue{AttrStream.String(streamID)}, attrs...)...),
	)
}

// EndSpan ends span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the span context in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with trace_id and span_id from
// the span context in ctx, when there is one.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
