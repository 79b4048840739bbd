package audio

// Resampler converts a mono stream from one rate to another across chunk
// boundaries using linear interpolation. Output sample k sits at source
// position k*src/dst; positions are tracked as exact integers so that no
// fraction of a sample is lost between chunks.
//
// Process holds back outputs whose right-hand neighbour has not arrived yet.
// Flush releases them at the end of the stream. Over a whole stream the
// output matches Resample on the concatenated input, plus at most one final
// sample for the source tail that Resample rounds away.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int

	consumed int64 // source samples seen
	emitted  int64 // output samples produced
	last     float32
}

// NewResampler returns a Resampler from srcRate to dstRate. Non-positive or
// equal rates yield a pass-through resampler.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: srcRate, dst: dstRate}
}

func (r *Resampler) passthrough() bool {
	return r.src <= 0 || r.dst <= 0 || r.src == r.dst
}

// Process consumes in and returns the output samples that can be computed so
// far. The result may be empty for very short chunks; the audio is kept for
// the next call.
func (r *Resampler) Process(in []float32) []float32 {
	if r.passthrough() || len(in) == 0 {
		return in
	}
	src, dst := int64(r.src), int64(r.dst)
	base := r.consumed
	total := base + int64(len(in))
	sample := func(i int64) float32 {
		if i < base {
			return r.last
		}
		return in[i-base]
	}

	out := make([]float32, 0, int64(len(in))*dst/src+1)
	for {
		num := r.emitted * src
		idx := num / dst
		if idx+1 >= total {
			break
		}
		frac := float64(num%dst) / float64(dst)
		s0, s1 := sample(idx), sample(idx+1)
		out = append(out, float32(float64(s0)*(1-frac)+float64(s1)*frac))
		r.emitted++
	}
	r.last = in[len(in)-1]
	r.consumed = total
	return out
}

// Flush returns the outputs held back for want of a following source sample.
// They repeat the last source sample.
func (r *Resampler) Flush() []float32 {
	if r.passthrough() || r.consumed == 0 {
		return nil
	}
	var out []float32
	for r.emitted*int64(r.src)/int64(r.dst) < r.consumed {
		out = append(out, r.last)
		r.emitted++
	}
	return out
}

// Reset rewinds the resampler to the start of a new stream.
func (r *Resampler) Reset() {
	r.consumed, r.emitted, r.last = 0, 0, 0
}
