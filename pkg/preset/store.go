package preset

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// document is the on-disk YAML layout.
type document struct {
	Presets []entryDoc `yaml:"presets"`
}

type entryDoc struct {
	Backend    string              `yaml:"backend"`
	Language   string              `yaml:"language"`
	Engine     string              `yaml:"engine"`
	Config     segmenter.ConfigDoc `yaml:"config"`
	Metric     string              `yaml:"metric,omitempty"`
	Score      float64             `yaml:"score"`
	CorpusSize int                 `yaml:"corpus_size,omitempty"`
	UpdatedAt  time.Time           `yaml:"updated_at,omitempty"`
}

// Load reads the preset document at path. A missing file yields an empty
// registry.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewRegistry()
	}
	if err != nil {
		return nil, fmt.Errorf("preset: open %q: %w", path, err)
	}
	defer f.Close()

	entries, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("preset: parse %q: %w", path, err)
	}
	reg, err := NewRegistry(entries...)
	if err != nil {
		return nil, fmt.Errorf("preset: load %q: %w", path, err)
	}
	return reg, nil
}

// Decode parses a preset document. An empty document yields no entries.
func Decode(r io.Reader) ([]Entry, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("preset: decode yaml: %w", err)
	}
	entries := make([]Entry, 0, len(doc.Presets))
	for _, d := range doc.Presets {
		entries = append(entries, Entry{
			Key:        Key{Backend: d.Backend, Language: d.Language, Engine: d.Engine},
			Config:     d.Config.Config(),
			Metric:     d.Metric,
			Score:      d.Score,
			CorpusSize: d.CorpusSize,
			UpdatedAt:  d.UpdatedAt,
		})
	}
	return entries, nil
}

// Encode writes entries as a preset document.
func Encode(w io.Writer, entries []Entry) error {
	doc := document{Presets: make([]entryDoc, 0, len(entries))}
	for _, e := range entries {
		doc.Presets = append(doc.Presets, entryDoc{
			Backend:    e.Key.Backend,
			Language:   e.Key.Language,
			Engine:     e.Key.Engine,
			Config:     e.Config.Doc(),
			Metric:     e.Metric,
			Score:      e.Score,
			CorpusSize: e.CorpusSize,
			UpdatedAt:  e.UpdatedAt.UTC(),
		})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("preset: encode yaml: %w", err)
	}
	return enc.Close()
}

// Save writes the registry to path atomically: the document is written to a
// temporary file in the same directory and renamed over path.
func Save(path string, r *Registry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("preset: create dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".presets-*.yaml")
	if err != nil {
		return fmt.Errorf("preset: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := Encode(tmp, r.Entries()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("preset: sync %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("preset: close %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("preset: rename to %q: %w", path, err)
	}
	return nil
}

// Merge loads the document at path, publishes e into it and saves it back.
// Entries for other keys are preserved.
func Merge(path string, e Entry) (*Registry, error) {
	r, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := r.Publish(e); err != nil {
		return nil, err
	}
	if err := Save(path, r); err != nil {
		return nil, err
	}
	return r, nil
}
