package preset

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/vadcal/pkg/segmenter"
)

// Registry holds an immutable snapshot of preset entries. Readers never
// block; writers build a new snapshot and swap it in atomically.
type Registry struct {
	mu   sync.Mutex // serialises writers
	snap atomic.Pointer[map[Key]Entry]
}

// Ensure Registry implements segmenter.PresetSource at compile time.
var _ segmenter.PresetSource = (*Registry)(nil)

// NewRegistry returns a Registry holding entries. Invalid entries are
// rejected.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(entries); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() map[Key]Entry {
	if m := r.snap.Load(); m != nil {
		return *m
	}
	return nil
}

// Lookup returns the exact entry for (backend, language, engine), falling back
// to the wildcard entry for (backend, language). An empty engine looks up the
// wildcard entry only. Returns ErrNotFound if neither exists.
func (r *Registry) Lookup(backend, language, engine string) (Entry, error) {
	m := r.load()
	if engine != "" && engine != Wildcard {
		if e, ok := m[Key{Backend: backend, Language: language, Engine: engine}]; ok {
			return e.clone(), nil
		}
	}
	if e, ok := m[Key{Backend: backend, Language: language, Engine: Wildcard}]; ok {
		return e.clone(), nil
	}
	return Entry{}, fmt.Errorf("preset: %s/%s/%s: %w", backend, language, engine, ErrNotFound)
}

// LookupConfig implements segmenter.PresetSource.
func (r *Registry) LookupConfig(backend, language, engine string) (segmenter.Config, error) {
	e, err := r.Lookup(backend, language, engine)
	if err != nil {
		return segmenter.Config{}, err
	}
	return e.Config, nil
}

// Publish adds or replaces a single entry.
func (r *Registry) Publish(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.load()
	next := make(map[Key]Entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[e.Key] = e.clone()
	r.snap.Store(&next)
	return nil
}

// Replace swaps the whole entry set. Either all entries are accepted or the
// registry is left unchanged. Later duplicates win.
func (r *Registry) Replace(entries []Entry) error {
	next := make(map[Key]Entry, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		next[e.Key] = e.clone()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Store(&next)
	return nil
}

// Entries returns all entries sorted by key.
func (r *Registry) Entries() []Entry {
	m := r.load()
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e.clone())
	}
	slices.SortFunc(out, func(a, b Entry) int { return compareKeys(a.Key, b.Key) })
	return out
}

// Keys returns all keys sorted.
func (r *Registry) Keys() []Key {
	m := r.load()
	out := make([]Key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.SortFunc(out, compareKeys)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.load()) }

func (e Entry) clone() Entry {
	e.Config = e.Config.Clone()
	return e
}

func compareKeys(a, b Key) int {
	return cmp.Or(
		cmp.Compare(a.Backend, b.Backend),
		cmp.Compare(a.Language, b.Language),
		cmp.Compare(a.Engine, b.Engine),
	)
}
