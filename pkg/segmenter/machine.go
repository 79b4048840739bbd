package segmenter

import "time"

// machine is the segmentation state machine. It works in sample positions so
// that boundaries are exact; conversion to durations happens on emission.
type machine struct {
	rate         int
	threshold    float64
	negThreshold float64
	pad          int64
	minSpeech    int64
	minSilence   int64
	maxSpeech    int64

	state  State
	cursor int64 // stream position just past the last consumed sample

	// preroll holds the most recent audio (at most pad samples) consumed while
	// silent. It ends at cursor.
	preroll []float32

	// Open segment. audio covers [start, start+len(audio)).
	start         int64
	audio         []float32
	firstSpeech   int64
	lastSpeechEnd int64
	silence       int64
}

// closed is the outcome of closing a segment. An empty segment is the
// speechless remainder of a MaxSpeech split and is dropped without a report.
type closed struct {
	seg       Segment
	discarded bool
	empty     bool
	span      time.Duration
}

func newMachine(cfg Config) *machine {
	rate := cfg.SampleRate
	return &machine{
		rate:         rate,
		threshold:    cfg.Threshold,
		negThreshold: cfg.NegThreshold,
		pad:          durationToSamples(cfg.SpeechPad, rate),
		minSpeech:    durationToSamples(cfg.MinSpeech, rate),
		minSilence:   durationToSamples(cfg.MinSilence, rate),
		maxSpeech:    durationToSamples(cfg.MaxSpeech, rate),
	}
}

// step consumes one scored frame. It returns a closed segment, if any.
func (m *machine) step(frame []float32, score float64) (closed, bool) {
	pos := m.cursor
	end := pos + int64(len(frame))
	m.cursor = end

	if m.state == StateSilence {
		if score >= m.threshold {
			m.open(pos, frame)
		} else {
			m.pushPreroll(frame)
		}
		return closed{}, false
	}

	m.audio = append(m.audio, frame...)
	if score >= m.negThreshold {
		m.silence = 0
		m.lastSpeechEnd = end
		if m.maxSpeech > 0 && end-m.firstSpeech >= m.maxSpeech {
			c := m.close(end)
			// The frame is still speech, so a new segment starts right here
			// without padding.
			m.state = StateSpeech
			m.start = end
			m.audio = nil
			m.firstSpeech = end
			m.lastSpeechEnd = end
			return c, true
		}
		return closed{}, false
	}

	m.silence += int64(len(frame))
	if m.silence >= m.minSilence {
		return m.close(m.lastSpeechEnd + m.pad), true
	}
	return closed{}, false
}

// skip advances the stream clock by n samples of missing audio, which is
// treated as silence.
func (m *machine) skip(n int64) (closed, bool) {
	if n <= 0 {
		return closed{}, false
	}
	m.cursor += n

	if m.state == StateSilence {
		m.pushPreroll(make([]float32, min(n, m.pad)))
		return closed{}, false
	}

	if m.silence+n < m.minSilence {
		m.silence += n
		m.audio = append(m.audio, make([]float32, n)...)
		return closed{}, false
	}

	m.silence += n
	var filled int64
	if need := m.lastSpeechEnd + m.pad - m.audioEnd(); need > 0 {
		filled = min(n, need)
		m.audio = append(m.audio, make([]float32, filled)...)
	}
	c := m.close(m.lastSpeechEnd + m.pad)
	m.pushPreroll(make([]float32, min(n-filled, m.pad)))
	return c, true
}

// flush force-closes an open segment.
func (m *machine) flush() (closed, bool) {
	if m.state != StateSpeech {
		return closed{}, false
	}
	return m.close(m.lastSpeechEnd + m.pad), true
}

// snapshot returns a provisional copy of the open segment.
func (m *machine) snapshot() (Segment, bool) {
	if m.state != StateSpeech || len(m.audio) == 0 {
		return Segment{}, false
	}
	return Segment{
		Start:      samplesToDuration(m.start, m.rate),
		Audio:      append([]float32(nil), m.audio...),
		SampleRate: m.rate,
	}, true
}

func (m *machine) reset() {
	*m = machine{
		rate:         m.rate,
		threshold:    m.threshold,
		negThreshold: m.negThreshold,
		pad:          m.pad,
		minSpeech:    m.minSpeech,
		minSilence:   m.minSilence,
		maxSpeech:    m.maxSpeech,
	}
}

func (m *machine) open(pos int64, frame []float32) {
	prerollStart := m.cursor - int64(len(frame)) - int64(len(m.preroll))
	start := max(0, pos-m.pad, prerollStart)

	audio := make([]float32, 0, int(pos-start)+len(frame))
	audio = append(audio, m.preroll[start-prerollStart:]...)
	audio = append(audio, frame...)

	m.state = StateSpeech
	m.start = start
	m.audio = audio
	m.firstSpeech = pos
	m.lastSpeechEnd = pos + int64(len(frame))
	m.silence = 0
	m.preroll = m.preroll[:0]
}

// close ends the open segment at end, clamped to the audio available, and
// returns to Silence.
func (m *machine) close(end int64) closed {
	end = min(end, m.audioEnd())
	n := end - m.start
	span := m.lastSpeechEnd - m.firstSpeech

	c := closed{span: samplesToDuration(span, m.rate)}
	switch {
	case span <= 0:
		c.discarded = true
		c.empty = true
	case span < m.minSpeech:
		c.discarded = true
	default:
		c.seg = Segment{
			Start:      samplesToDuration(m.start, m.rate),
			End:        samplesToDuration(end, m.rate),
			Audio:      append([]float32(nil), m.audio[:n]...),
			SampleRate: m.rate,
			Final:      true,
		}
	}

	// The tail of the closed segment is the pre-roll of the next one.
	m.preroll = m.preroll[:0]
	m.pushPreroll(m.audio)

	m.state = StateSilence
	m.audio = nil
	m.silence = 0
	return c
}

func (m *machine) audioEnd() int64 {
	return m.start + int64(len(m.audio))
}

func (m *machine) pushPreroll(samples []float32) {
	if m.pad <= 0 {
		m.preroll = m.preroll[:0]
		return
	}
	if int64(len(samples)) >= m.pad {
		m.preroll = append(m.preroll[:0], samples[int64(len(samples))-m.pad:]...)
		return
	}
	m.preroll = append(m.preroll, samples...)
	if over := int64(len(m.preroll)) - m.pad; over > 0 {
		m.preroll = append(m.preroll[:0], m.preroll[over:]...)
	}
}
