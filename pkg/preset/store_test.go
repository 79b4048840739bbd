package preset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleDoc = `
presets:
  - backend: silero
    language: ja
    engine: "*"
    config:
      threshold: 0.45
      neg_threshold: 0.45
      min_speech_ms: 150
      min_silence_ms: 300
      speech_pad_ms: 60
      sample_rate: 16000
    metric: cer
    score: 0.182
    corpus_size: 40
    updated_at: 2026-03-01T10:00:00Z
  - backend: energy
    language: en
    engine: whisper
    config:
      threshold: 0.6
      neg_threshold: 0.3
      min_speech_ms: 200
      min_silence_ms: 500
      speech_pad_ms: 100
      sample_rate: 16000
      backend_params:
        mode: 2
    metric: wer
    score: 0.21
`

// writeDoc stores doc in a temporary preset file and returns its path.
func writeDoc(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()
	r, err := Load(writeDoc(t, sampleDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	e, err := r.Lookup("silero", "ja", "parakeet_ja")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Config.MinSilence != 300*time.Millisecond || e.CorpusSize != 40 || e.Metric != "cer" {
		t.Errorf("unexpected entry %+v", e)
	}
	if !e.UpdatedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("UpdatedAt = %s", e.UpdatedAt)
	}
	energy, _ := r.Lookup("energy", "en", "whisper")
	if energy.Config.BackendParams["mode"] != 2 {
		t.Errorf("mode = %v, want 2", energy.Config.BackendParams["mode"])
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown field", doc: "presets:\n  - backend: silero\n    colour: red\n"},
		{name: "invalid config", doc: "presets:\n  - {backend: silero, language: en, engine: '*', config: {threshold: 0.2, neg_threshold: 0.5, sample_rate: 16000}}\n"},
		{name: "missing engine", doc: "presets:\n  - {backend: silero, language: en, config: {threshold: 0.5, sample_rate: 16000}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeDoc(t, tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "presets.yaml") {
				t.Errorf("error %q does not name the file", err)
			}
		})
	}
}

func TestLoad_Empty(t *testing.T) {
	t.Parallel()
	r, err := Load(writeDoc(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	r, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "presets.yaml")
	r, err := Load(writeDoc(t, sampleDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Save(path, r); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := r.Entries()
	got := loaded.Entries()
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Key != want[i].Key || got[i].Config.Threshold != want[i].Config.Threshold ||
			got[i].Config.SpeechPad != want[i].Config.SpeechPad || got[i].Score != want[i].Score {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// No temp files are left behind.
	files, _ := os.ReadDir(filepath.Dir(path))
	if len(files) != 1 {
		t.Errorf("directory has %d files, want 1", len(files))
	}
}

func TestMerge_PreservesOtherKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if _, err := Merge(path, entry("silero", "ja", Wildcard, 0.5)); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := Merge(path, entry("silero", "ja", "parakeet_ja", 0.7)); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}
