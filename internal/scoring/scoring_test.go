package scoring

import (
	"math"
	"strings"
	"testing"
)

func TestMetricFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lang string
		want Metric
	}{
		{"ja", MetricCER},
		{"zh-TW", MetricCER},
		{"ko", MetricCER},
		{"TH", MetricCER},
		{"en", MetricWER},
		{"de_DE", MetricWER},
		{"", MetricWER},
	}
	for _, tt := range tests {
		if got := MetricFor(tt.lang); got != tt.want {
			t.Errorf("MetricFor(%q) = %q, want %q", tt.lang, got, tt.want)
		}
	}
}

func TestParseMetric(t *testing.T) {
	t.Parallel()

	if m, err := ParseMetric(" CER "); err != nil || m != MetricCER {
		t.Errorf("ParseMetric(CER) = %q, %v", m, err)
	}
	if _, err := ParseMetric("bleu"); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		lang string
		want string
	}{
		{name: "punctuation and case", text: "Hello, World!", lang: "en", want: "hello world"},
		{name: "collapses whitespace", text: "  a \t b\n\nc  ", lang: "en", want: "a b c"},
		{name: "apostrophe splits", text: "don't", lang: "en", want: "don t"},
		{name: "japanese drops spaces", text: "こんにちは、 世界。", lang: "ja", want: "こんにちは世界"},
		{name: "empty", text: " ... ", lang: "en", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tt.text, tt.lang); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestWER(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ref  string
		hyp  string
		want float64
	}{
		{name: "identical", ref: "the cat sat", hyp: "the cat sat", want: 0},
		{name: "one substitution", ref: "the cat sat", hyp: "the dog sat", want: 1.0 / 3},
		{name: "one deletion", ref: "the cat sat", hyp: "the sat", want: 1.0 / 3},
		{name: "insertions exceed one", ref: "hi", hyp: "oh hi there", want: 2},
		{name: "empty hypothesis", ref: "a b", hyp: "", want: 1},
		{name: "empty both", ref: "", hyp: "", want: 0},
		{name: "empty reference", ref: "", hyp: "noise", want: 1},
		{name: "multibyte words", ref: "grüße aus köln", hyp: "grüße aus bonn", want: 1.0 / 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := WER(tt.ref, tt.hyp); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("WER(%q, %q) = %f, want %f", tt.ref, tt.hyp, got, tt.want)
			}
		})
	}
}

func TestCER(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ref  string
		hyp  string
		want float64
	}{
		{name: "identical", ref: "今日は", hyp: "今日は", want: 0},
		{name: "one rune substitution", ref: "今日は", hyp: "今日が", want: 1.0 / 3},
		{name: "empty both", ref: "", hyp: "", want: 0},
		{name: "empty reference", ref: "", hyp: "x", want: 1},
		{name: "ascii", ref: "abcd", hyp: "abd", want: 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CER(tt.ref, tt.hyp); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CER(%q, %q) = %f, want %f", tt.ref, tt.hyp, got, tt.want)
			}
		})
	}
}

func TestErrorRate(t *testing.T) {
	t.Parallel()

	if got := ErrorRate("", "Hello, world.", "hello world", "en"); got != 0 {
		t.Errorf("normalised english = %f, want 0", got)
	}
	if got := ErrorRate("", "今日は 晴れ", "今日は晴れ。", "ja"); got != 0 {
		t.Errorf("normalised japanese = %f, want 0", got)
	}
	if got := ErrorRate(MetricCER, "abcd", "abd", "en"); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("explicit CER = %f, want 0.25", got)
	}
}

func TestWER_LargeVocabulary(t *testing.T) {
	t.Parallel()

	words := make([]string, 2000)
	for i := range words {
		words[i] = "w" + strings.Repeat("x", i%7) + string(rune('a'+i%26)) + string(rune('a'+i/26%26)) + string(rune('a'+i/676))
	}
	ref := strings.Join(words, " ")
	if got := WER(ref, ref); got != 0 {
		t.Errorf("WER(identical large) = %f, want 0", got)
	}
}
