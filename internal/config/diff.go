package config

import (
	"cmp"
	"reflect"
	"slices"

	"github.com/MrWong99/vadcal/pkg/preset"
)

// PresetDiff describes what changed between two preset documents.
type PresetDiff struct {
	Added   []preset.Key
	Changed []preset.Key
	Removed []preset.Key
}

// Empty reports whether the documents were equivalent.
func (d PresetDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffPresets compares two entry sets by key. An entry counts as changed when
// its configuration, metric or score differs. Keys are returned sorted.
func DiffPresets(old, new []preset.Entry) PresetDiff {
	oldByKey := make(map[preset.Key]preset.Entry, len(old))
	for _, e := range old {
		oldByKey[e.Key] = e
	}
	newByKey := make(map[preset.Key]preset.Entry, len(new))
	for _, e := range new {
		newByKey[e.Key] = e
	}

	var d PresetDiff
	for k, oe := range oldByKey {
		ne, ok := newByKey[k]
		if !ok {
			d.Removed = append(d.Removed, k)
			continue
		}
		if entryChanged(oe, ne) {
			d.Changed = append(d.Changed, k)
		}
	}
	for k := range newByKey {
		if _, ok := oldByKey[k]; !ok {
			d.Added = append(d.Added, k)
		}
	}

	slices.SortFunc(d.Added, compareKeys)
	slices.SortFunc(d.Changed, compareKeys)
	slices.SortFunc(d.Removed, compareKeys)
	return d
}

func entryChanged(a, b preset.Entry) bool {
	if a.Metric != b.Metric || a.Score != b.Score || a.CorpusSize != b.CorpusSize {
		return true
	}
	return !reflect.DeepEqual(a.Config.Doc(), b.Config.Doc())
}

func compareKeys(a, b preset.Key) int {
	return cmp.Or(
		cmp.Compare(a.Backend, b.Backend),
		cmp.Compare(a.Language, b.Language),
		cmp.Compare(a.Engine, b.Engine),
	)
}
