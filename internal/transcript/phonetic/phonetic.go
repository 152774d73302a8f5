// Package phonetic matches misheard words against a fixed vocabulary using
// Double Metaphone encoding combined with Jaro-Winkler similarity.
//
// Matching runs in two stages:
//
//  1. Phonetic filtering: Double Metaphone codes are computed for each input
//     token and each vocabulary token. A term whose codes overlap the input's
//     becomes a phonetic candidate.
//
//  2. Ranking: among phonetic candidates, the term with the highest
//     Jaro-Winkler similarity wins if it clears the phonetic threshold. When
//     no phonetic candidate exists, pure Jaro-Winkler is tried against every
//     term with the stricter fuzzy threshold.
//
// Multi-word terms ("Tower of Whispers") are compared on the full and the
// space-stripped strings.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	defaultMinLength         = 3
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when falling back to
// pure string similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMinLength ignores inputs shorter than n letters. Default: 3.
func WithMinLength(n int) Option {
	return func(m *Matcher) {
		m.minLength = n
	}
}

// Matcher scores inputs against a [Vocabulary]. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type term struct {
	original   string
	lower      string
	tokens     []string
	codes      map[string]struct{}
	firstCodes map[string]struct{}
}

// Vocabulary is a precomputed set of terms. Build it once per configuration
// and share it; it is immutable.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// NewVocabulary prepares terms for matching. Blank terms are skipped.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			original:   strings.TrimSpace(t),
			lower:      lower,
			tokens:     tokens,
			codes:      codesForTokens(tokens),
			firstCodes: codesForTokens(tokens[:1]),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// MaxWords returns the word count of the longest term.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Match finds the vocabulary term most similar to input, which may be a
// single word or a space-separated n-gram. When matched is false, corrected
// equals input and confidence is 0.
//
// A term is only considered when the input has between one fewer and one
// more word than the term, and when the first input word sounds like the
// term's first word. This keeps a window such as "ask elder" from matching
// "Eldrinax" on the strength of its second word.
func (m *Matcher) Match(input string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	inputLower := strings.ToLower(strings.TrimSpace(input))
	if v == nil || len(v.terms) == 0 || len(inputLower) < m.minLength {
		return input, 0, false
	}
	inputTokens := strings.Fields(inputLower)
	inputCodes := codesForTokens(inputTokens)
	firstCodes := codesForTokens(inputTokens[:1])

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range v.terms {
		n, w := len(inputTokens), len(t.tokens)
		if n < w-1 || n > w+1 {
			continue
		}
		if !codesOverlap(firstCodes, t.firstCodes) &&
			matchr.JaroWinkler(inputTokens[0], t.tokens[0], false) < m.fuzzyThreshold {
			continue
		}
		score := bestJWScore(inputTokens, t.tokens, inputLower, t.lower)
		if codesOverlap(inputCodes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.original, score, true
			}
		} else if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t.original, score
		}
	}
	if best == "" {
		return input, 0, false
	}
	return best, bestScore, true
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity across the full strings
// and the space-stripped strings. Single-word terms are also compared
// against every input token.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}

	if len(termTokens) == 1 {
		for _, it := range inputTokens {
			if s := matchr.JaroWinkler(it, termTokens[0], false); s > score {
				score = s
			}
		}
	}
	return score
}
