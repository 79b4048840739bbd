// Package scoring computes transcription error rates between a reference
// transcript and an engine hypothesis.
//
// Edit distances are delegated to github.com/antzucaro/matchr. Word error
// rate maps every distinct word to a single private-use rune so the same
// rune-level Levenshtein implementation serves both metrics.
package scoring

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Metric names an error-rate metric.
type Metric string

const (
	// MetricWER is the word error rate.
	MetricWER Metric = "wer"

	// MetricCER is the character error rate.
	MetricCER Metric = "cer"
)

// wordRuneBase is the first code point of Supplementary Private Use Area-A.
const wordRuneBase = 0xF0000

// maxVocabulary is the number of distinct words a single WER computation can
// encode.
const maxVocabulary = 0xFFFFD - wordRuneBase

// characterLanguages are scored with CER because they are written without
// spaces between words.
var characterLanguages = map[string]bool{
	"ja": true,
	"zh": true,
	"ko": true,
	"th": true,
}

// MetricFor returns the metric used for lang. Region subtags are ignored, so
// "zh-TW" resolves like "zh".
func MetricFor(lang string) Metric {
	if characterLanguages[baseLanguage(lang)] {
		return MetricCER
	}
	return MetricWER
}

// ParseMetric parses a metric name. Matching is case-insensitive.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case MetricWER:
		return MetricWER, nil
	case MetricCER:
		return MetricCER, nil
	default:
		return "", fmt.Errorf("scoring: unknown metric %q", s)
	}
}

// Normalize lowercases text, removes punctuation and symbols and collapses
// whitespace. For character-scored languages all whitespace is removed.
func Normalize(text, lang string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			space = true
		case unicode.IsSpace(r):
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	out := b.String()
	if MetricFor(lang) == MetricCER {
		out = strings.ReplaceAll(out, " ", "")
	}
	return out
}

// WER returns the word error rate of hyp against ref. Both are split on
// whitespace; normalise them first with [Normalize] if needed. An empty
// reference yields 0 for an empty hypothesis and 1 otherwise.
func WER(ref, hyp string) float64 {
	refWords := strings.Fields(ref)
	hypWords := strings.Fields(hyp)
	if len(refWords) == 0 {
		return emptyReference(len(hypWords))
	}

	vocab := make(map[string]rune, len(refWords)+len(hypWords))
	encode := func(words []string) string {
		rs := make([]rune, len(words))
		for i, w := range words {
			r, ok := vocab[w]
			if !ok {
				// Overflowing the vocabulary folds further words onto the
				// last code point, which can only under-count errors.
				r = wordRuneBase + rune(min(len(vocab), maxVocabulary))
				vocab[w] = r
			}
			rs[i] = r
		}
		return string(rs)
	}
	r := encode(refWords)
	h := encode(hypWords)
	return float64(matchr.Levenshtein(r, h)) / float64(len(refWords))
}

// CER returns the character error rate of hyp against ref, counted in runes.
// An empty reference yields 0 for an empty hypothesis and 1 otherwise.
func CER(ref, hyp string) float64 {
	n := len([]rune(ref))
	if n == 0 {
		return emptyReference(len(hyp))
	}
	return float64(matchr.Levenshtein(ref, hyp)) / float64(n)
}

// ErrorRate normalises ref and hyp for lang and computes metric. An empty
// metric selects [MetricFor] lang.
func ErrorRate(metric Metric, ref, hyp, lang string) float64 {
	if metric == "" {
		metric = MetricFor(lang)
	}
	ref = Normalize(ref, lang)
	hyp = Normalize(hyp, lang)
	if metric == MetricCER {
		return CER(ref, hyp)
	}
	return WER(ref, hyp)
}

func emptyReference(hypLen int) float64 {
	if hypLen == 0 {
		return 0
	}
	return 1
}

func baseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}
