// Package segmenter turns a continuous audio stream into speech segments.
//
// A Processor cuts incoming samples into the fixed-size frames its VAD
// backend expects, asks the backend for a speech score per frame and drives a
// two-state hysteresis machine (Silence and Speech) with the scores:
//
//   - In Silence, a frame scoring at or above Threshold opens a segment that
//     starts SpeechPad before the frame.
//   - In Speech, frames scoring at or above NegThreshold keep the segment
//     alive. Once MinSilence of lower-scoring frames has accumulated, the
//     segment closes SpeechPad after the last speech frame.
//   - Segments whose speech span (first speech frame to end of last speech
//     frame) is shorter than MinSpeech are discarded as false triggers.
//
// A Processor is not safe for concurrent use. Independent processors share
// nothing and may run on separate goroutines.
package segmenter

import (
	"errors"
	"time"
)

var (
	// ErrConfigurationInvalid is returned when a Config violates its
	// constraints.
	ErrConfigurationInvalid = errors.New("segmenter: configuration invalid")

	// ErrStreamInputInvalid is returned for empty chunks, sample-rate
	// mismatches and timestamps that move backwards. The stream remains
	// usable.
	ErrStreamInputInvalid = errors.New("segmenter: stream input invalid")
)

// State is the state of the segmentation machine.
type State int

const (
	// StateSilence means no segment is open.
	StateSilence State = iota

	// StateSpeech means a segment is open.
	StateSpeech
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateSpeech:
		return "speech"
	default:
		return "unknown"
	}
}

// Segment is a span of audio judged to contain speech. Emitted segments own
// their audio and are never modified afterwards.
type Segment struct {
	// Start is the stream offset of the first sample in Audio.
	Start time.Duration

	// End is the stream offset just past the last sample in Audio. It is zero
	// for provisional snapshots of a still-open segment.
	End time.Duration

	// Audio holds the mono samples of the segment.
	Audio []float32

	// SampleRate is the rate of Audio in Hz.
	SampleRate int

	// Final is true once the segment has been closed.
	Final bool
}

// Duration returns the length of the audio in the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return samplesToDuration(int64(len(s.Audio)), s.SampleRate)
}

// Observer receives processing events. Implementations are called
// synchronously from the Processor and must not block.
type Observer interface {
	// FramesProcessed reports n newly scored frames.
	FramesProcessed(n int)

	// SegmentEmitted reports a segment handed to the caller, final or
	// provisional.
	SegmentEmitted(seg Segment)

	// SegmentDiscarded reports a closed segment whose speech span was shorter
	// than MinSpeech.
	SegmentDiscarded(span time.Duration)
}

// durationToSamples rounds to the nearest sample so that a duration produced
// by samplesToDuration maps back to the same position.
func durationToSamples(d time.Duration, rate int) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}

func samplesToDuration(n int64, rate int) time.Duration {
	return time.Duration(n * int64(time.Second) / int64(rate))
}
