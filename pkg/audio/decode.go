package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when a stream is not a decodable PCM WAV file.
var ErrInvalidWAV = errors.New("audio: invalid wav")

// Clip is decoded mono audio.
type Clip struct {
	Samples    []float32
	SampleRate int
	// Channels is the channel count of the source before downmixing.
	Channels int
}

// DecodeWAV decodes a PCM WAV stream into mono float32 samples. When
// sampleRate is positive the samples are resampled to it.
func DecodeWAV(r io.ReadSeeker, sampleRate int) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("audio: read pcm: %w: %w", ErrInvalidWAV, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return Clip{}, fmt.Errorf("audio: %w: missing format", ErrInvalidWAV)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	samples := normalizeInts(buf, depth)
	channels := buf.Format.NumChannels
	samples = Downmix(samples, channels)

	rate := buf.Format.SampleRate
	if sampleRate > 0 && sampleRate != rate {
		samples = Resample(samples, rate, sampleRate)
		rate = sampleRate
	}
	return Clip{Samples: samples, SampleRate: rate, Channels: channels}, nil
}

// DecodeWAVFile opens path and decodes it with [DecodeWAV].
func DecodeWAVFile(path string, sampleRate int) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()
	clip, err := DecodeWAV(f, sampleRate)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode %s: %w", path, err)
	}
	return clip, nil
}

// normalizeInts scales integer PCM of the given bit depth to [-1.0, 1.0].
func normalizeInts(buf *goaudio.IntBuffer, depth int) []float32 {
	if depth <= 0 {
		depth = bitsPerSample
	}
	scale := float32(int64(1) << (depth - 1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		// 8-bit WAV is unsigned.
		if depth == 8 {
			v -= 128
		}
		out[i] = float32(v) / scale
	}
	return out
}
