package segmenter

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/vadcal/pkg/audio"
	"github.com/MrWong99/vadcal/pkg/provider/vad"
)

// Processor segments one audio stream. Create it with NewProcessor or
// FromLanguage, feed it chunks of any size and call Flush at the end of the
// stream.
type Processor struct {
	engine    vad.Engine
	cfg       Config
	session   vad.SessionHandle
	frameSize int

	carry []float32
	m     *machine

	provisional bool
	calibrated  bool
	observer    Observer
	closed      bool
}

// Option is a functional option for configuring a Processor.
type Option func(*Processor)

// WithProvisional makes ProcessChunk append a provisional snapshot of the
// open segment (Final false, End zero) after the closed segments.
func WithProvisional(on bool) Option {
	return func(p *Processor) { p.provisional = on }
}

// WithObserver installs an Observer for processing events.
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

// NewProcessor validates cfg and opens a session on engine.
func NewProcessor(engine vad.Engine, cfg Config, opts ...Option) (*Processor, error) {
	if engine == nil {
		return nil, fmt.Errorf("segmenter: nil engine: %w", vad.ErrBackendUnavailable)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	frameSize, err := engine.FrameSize(cfg.SampleRate)
	if err != nil {
		return nil, backendErr("frame size", err)
	}
	if frameSize <= 0 {
		return nil, fmt.Errorf("segmenter: backend %q reported frame size %d: %w", engine.Name(), frameSize, vad.ErrBackendUnavailable)
	}
	session, err := engine.NewSession(vad.SessionConfig{
		SampleRate: cfg.SampleRate,
		Threshold:  cfg.Threshold,
		Params:     cfg.BackendParams,
	})
	if err != nil {
		return nil, backendErr("open session", err)
	}

	p := &Processor{
		engine:    engine,
		cfg:       cfg,
		session:   session,
		frameSize: frameSize,
		carry:     make([]float32, 0, frameSize),
		m:         newMachine(cfg),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Config returns a copy of the processor's configuration.
func (p *Processor) Config() Config { return p.cfg.Clone() }

// Calibrated reports whether the configuration was resolved from a
// calibrated preset.
func (p *Processor) Calibrated() bool { return p.calibrated }

// FrameSize returns the number of samples per backend frame.
func (p *Processor) FrameSize() int { return p.frameSize }

// State returns the current state of the segmentation machine.
func (p *Processor) State() State { return p.m.state }

// Position returns the stream offset of the next sample to be consumed.
func (p *Processor) Position() time.Duration {
	return samplesToDuration(p.m.cursor+int64(len(p.carry)), p.cfg.SampleRate)
}

// ProcessChunk consumes samples at sampleRate and returns the segments closed
// by them, followed by a provisional snapshot if enabled. Empty chunks and
// sample-rate mismatches return ErrStreamInputInvalid and leave the stream
// untouched.
func (p *Processor) ProcessChunk(samples []float32, sampleRate int) ([]Segment, error) {
	if err := p.checkChunk(len(samples), sampleRate); err != nil {
		return nil, err
	}
	return p.consume(samples)
}

// ProcessChunkAt is like ProcessChunk but places the chunk at stream offset
// at. An offset earlier than Position returns ErrStreamInputInvalid. A later
// offset is treated as missing audio: the pending partial frame is padded
// with zeros and the clock advances to at.
func (p *Processor) ProcessChunkAt(samples []float32, sampleRate int, at time.Duration) ([]Segment, error) {
	if err := p.checkChunk(len(samples), sampleRate); err != nil {
		return nil, err
	}
	target := durationToSamples(at, p.cfg.SampleRate)
	pos := p.m.cursor + int64(len(p.carry))
	if target < pos {
		return nil, fmt.Errorf("segmenter: chunk at %s is before stream position %s: %w",
			at, p.Position(), ErrStreamInputInvalid)
	}

	var out []Segment
	if gap := target - pos; gap > 0 {
		if len(p.carry) > 0 {
			fill := min(gap, int64(p.frameSize-len(p.carry)))
			p.carry = append(p.carry, make([]float32, fill)...)
			gap -= fill
			segs, err := p.drain()
			out = append(out, segs...)
			if err != nil {
				return out, err
			}
		}
		if c, ok := p.m.skip(gap); ok {
			out = p.collect(out, c)
		}
	}

	segs, err := p.consume(samples)
	return append(out, segs...), err
}

// ProcessPCM16 converts 16-bit little-endian mono PCM and calls ProcessChunk.
func (p *Processor) ProcessPCM16(pcm []byte, sampleRate int) ([]Segment, error) {
	if len(pcm) < 2 {
		return nil, fmt.Errorf("segmenter: pcm chunk of %d bytes: %w", len(pcm), ErrStreamInputInvalid)
	}
	return p.ProcessChunk(audio.PCM16ToFloat32(pcm), sampleRate)
}

// Flush zero-pads and scores any partial frame, then force-closes the open
// segment. The stream stays usable afterwards.
func (p *Processor) Flush() ([]Segment, error) {
	if p.closed {
		return nil, fmt.Errorf("segmenter: processor closed: %w", vad.ErrBackendUnavailable)
	}
	var out []Segment
	if len(p.carry) > 0 {
		p.carry = append(p.carry, make([]float32, p.frameSize-len(p.carry))...)
		segs, err := p.drain()
		out = append(out, segs...)
		if err != nil {
			return out, err
		}
	}
	if c, ok := p.m.flush(); ok {
		out = p.collect(out, c)
	}
	return out, nil
}

// Reset discards buffered audio, backend state and the open segment, and
// rewinds the stream clock to zero.
func (p *Processor) Reset() {
	p.carry = p.carry[:0]
	p.m.reset()
	if !p.closed {
		p.session.Reset()
	}
}

// Close releases the backend session. Calling Close more than once is safe.
func (p *Processor) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.session.Close(); err != nil {
		return fmt.Errorf("segmenter: close session: %w", err)
	}
	return nil
}

func (p *Processor) checkChunk(n, sampleRate int) error {
	if p.closed {
		return fmt.Errorf("segmenter: processor closed: %w", vad.ErrBackendUnavailable)
	}
	if n == 0 {
		return fmt.Errorf("segmenter: empty chunk: %w", ErrStreamInputInvalid)
	}
	if sampleRate != p.cfg.SampleRate {
		return fmt.Errorf("segmenter: sample rate %d, want %d: %w", sampleRate, p.cfg.SampleRate, ErrStreamInputInvalid)
	}
	return nil
}

func (p *Processor) consume(samples []float32) ([]Segment, error) {
	p.carry = append(p.carry, samples...)
	out, err := p.drain()
	if err != nil {
		return out, err
	}
	if p.provisional {
		if snap, ok := p.m.snapshot(); ok {
			out = append(out, snap)
			if p.observer != nil {
				p.observer.SegmentEmitted(snap)
			}
		}
	}
	return out, nil
}

// drain scores every complete frame in the carry-over buffer. On a backend
// error the failing frame stays buffered.
func (p *Processor) drain() ([]Segment, error) {
	var (
		out    []Segment
		frames int
		off    int
		err    error
	)
	for len(p.carry)-off >= p.frameSize {
		frame := p.carry[off : off+p.frameSize]
		score, serr := p.session.Score(frame)
		if serr != nil {
			err = backendErr("score frame", serr)
			break
		}
		frames++
		off += p.frameSize
		if c, ok := p.m.step(frame, vad.ClampScore(score)); ok {
			out = p.collect(out, c)
		}
	}
	n := copy(p.carry, p.carry[off:])
	p.carry = p.carry[:n]

	if p.observer != nil && frames > 0 {
		p.observer.FramesProcessed(frames)
	}
	return out, err
}

func (p *Processor) collect(out []Segment, c closed) []Segment {
	if c.discarded {
		if p.observer != nil && !c.empty {
			p.observer.SegmentDiscarded(c.span)
		}
		return out
	}
	if p.observer != nil {
		p.observer.SegmentEmitted(c.seg)
	}
	return append(out, c.seg)
}

func backendErr(op string, err error) error {
	if errors.Is(err, vad.ErrBackendUnavailable) {
		return fmt.Errorf("segmenter: %s: %w", op, err)
	}
	return fmt.Errorf("segmenter: %s: %w: %w", op, vad.ErrBackendUnavailable, err)
}
