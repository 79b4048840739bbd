package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// SegmentObserver records segmentation events on a [Metrics] instance. All
// recordings carry a "backend" attribute.
type SegmentObserver struct {
	ctx     context.Context
	m       *Metrics
	backend attribute.KeyValue
}

// Compile-time interface assertion.
var _ segmenter.Observer = (*SegmentObserver)(nil)

// NewSegmentObserver returns an observer for processors running backend. ctx
// is used for every recording.
func NewSegmentObserver(ctx context.Context, m *Metrics, backend string) *SegmentObserver {
	return &SegmentObserver{ctx: ctx, m: m, backend: attribute.String("backend", backend)}
}

// FramesProcessed implements segmenter.Observer.
func (o *SegmentObserver) FramesProcessed(n int) {
	o.m.FramesProcessed.Add(o.ctx, int64(n), metric.WithAttributes(o.backend))
}

// SegmentEmitted implements segmenter.Observer.
func (o *SegmentObserver) SegmentEmitted(seg segmenter.Segment) {
	o.m.SegmentsEmitted.Add(o.ctx, 1, metric.WithAttributes(o.backend, attribute.Bool("final", seg.Final)))
}

// SegmentDiscarded implements segmenter.Observer.
func (o *SegmentObserver) SegmentDiscarded(time.Duration) {
	o.m.SegmentsDiscarded.Add(o.ctx, 1, metric.WithAttributes(o.backend))
}
