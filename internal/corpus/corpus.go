// Package corpus loads labelled calibration audio: short utterances paired with
// their reference transcripts.
//
// A corpus directory either contains a manifest.yaml:
//
//	utterances:
//	  - id: greeting
//	    audio: clips/greeting.wav
//	    text: Hello there.
//
// or, without a manifest, every *.wav file with a sibling *.txt file of the
// same base name. WAV files without a transcript are skipped.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vadcal/pkg/audio"
)

// ManifestName is the file name of an optional corpus manifest.
const ManifestName = "manifest.yaml"

// ErrEmpty is returned when a corpus contains no usable utterances.
var ErrEmpty = errors.New("corpus: no utterances")

// Utterance is one labelled recording, decoded to mono at SampleRate.
type Utterance struct {
	ID         string
	Samples    []float32
	SampleRate int
	Reference  string
}

// Duration returns the length of the recording.
func (u Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(u.Samples)) * int64(time.Second) / int64(u.SampleRate))
}

// Item is an undecoded corpus entry.
type Item struct {
	ID    string `yaml:"id"`
	Audio string `yaml:"audio"`
	Text  string `yaml:"text"`
}

type manifest struct {
	Utterances []Item `yaml:"utterances"`
}

// Option configures [Load].
type Option func(*loader)

type loader struct {
	concurrency int
	limit       int
}

// WithConcurrency bounds the number of files decoded in parallel. Values below
// one select GOMAXPROCS.
func WithConcurrency(n int) Option {
	return func(l *loader) { l.concurrency = n }
}

// WithLimit keeps only the first n items in ID order. Zero keeps all.
func WithLimit(n int) Option {
	return func(l *loader) { l.limit = n }
}

// Load discovers the items in dir, decodes them in parallel and resamples
// every recording to sampleRate. The result is sorted by ID.
func Load(ctx context.Context, dir string, sampleRate int, opts ...Option) ([]Utterance, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("corpus: sample rate must be positive, got %d", sampleRate)
	}
	l := loader{}
	for _, o := range opts {
		o(&l)
	}
	if l.concurrency < 1 {
		l.concurrency = runtime.GOMAXPROCS(0)
	}

	items, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	if l.limit > 0 && len(items) > l.limit {
		items = items[:l.limit]
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("corpus: %s: %w", dir, ErrEmpty)
	}

	out := make([]Utterance, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, it := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			clip, err := audio.DecodeWAVFile(it.Audio, sampleRate)
			if err != nil {
				return fmt.Errorf("corpus: item %q: %w", it.ID, err)
			}
			out[i] = Utterance{
				ID:         it.ID,
				Samples:    clip.Samples,
				SampleRate: clip.SampleRate,
				Reference:  strings.TrimSpace(it.Text),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("corpus loaded", "dir", dir, "utterances", len(out), "sample_rate", sampleRate)
	return out, nil
}

// Discover lists the items of the corpus in dir without decoding audio. Audio
// paths in the result are absolute or relative to the working directory.
func Discover(dir string) ([]Item, error) {
	f, err := os.Open(filepath.Join(dir, ManifestName))
	switch {
	case err == nil:
		defer f.Close()
		return readManifest(f, dir)
	case errors.Is(err, os.ErrNotExist):
		return scanDir(dir)
	default:
		return nil, fmt.Errorf("corpus: open manifest: %w", err)
	}
}

func readManifest(r io.Reader, dir string) ([]Item, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("corpus: parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Utterances))
	items := make([]Item, 0, len(m.Utterances))
	var errs []error
	for i, it := range m.Utterances {
		if it.Audio == "" {
			errs = append(errs, fmt.Errorf("utterances[%d]: audio is required", i))
			continue
		}
		if it.ID == "" {
			it.ID = strings.TrimSuffix(filepath.Base(it.Audio), filepath.Ext(it.Audio))
		}
		if seen[it.ID] {
			errs = append(errs, fmt.Errorf("utterances[%d]: duplicate id %q", i, it.ID))
			continue
		}
		seen[it.ID] = true
		if !filepath.IsAbs(it.Audio) {
			it.Audio = filepath.Join(dir, it.Audio)
		}
		items = append(items, it)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("corpus: manifest: %w", err)
	}
	sortItems(items)
	return items, nil
}

func scanDir(dir string) ([]Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("corpus: read dir: %w", err)
	}
	var items []Item
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		text, err := os.ReadFile(filepath.Join(dir, id+".txt"))
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("corpus: skipping audio without transcript", "file", e.Name())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("corpus: read transcript %s: %w", id, err)
		}
		items = append(items, Item{ID: id, Audio: filepath.Join(dir, e.Name()), Text: string(text)})
	}
	sortItems(items)
	return items, nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

// TotalDuration sums the durations of utts.
func TotalDuration(utts []Utterance) time.Duration {
	var d time.Duration
	for _, u := range utts {
		d += u.Duration()
	}
	return d
}
