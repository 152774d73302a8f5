// Package transcript post-processes final transcripts before they reach the
// conversation window.
//
// The only stage is vocabulary correction: recognizers routinely mangle
// product names, people and jargon ("elder nacks" for "Eldrinax"). A
// [Corrector] slides n-gram windows over the text and replaces spans that
// phonetically match a configured term.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxgate/internal/transcript/phonetic"
)

// Correction records one replacement made by a [Corrector].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Corrector rewrites text against a fixed vocabulary. It is immutable and
// safe for concurrent use; build a new one when the vocabulary changes.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   *phonetic.Vocabulary
}

// NewCorrector prepares a corrector for terms. It returns nil when terms has
// no usable entries, and a nil *Corrector passes text through unchanged.
func NewCorrector(terms []string, opts ...phonetic.Option) *Corrector {
	vocab := phonetic.NewVocabulary(terms)
	if vocab.Len() == 0 {
		return nil
	}
	return &Corrector{matcher: phonetic.New(opts...), vocab: vocab}
}

// Correct returns text with matching spans replaced by vocabulary terms.
//
// At each token position every window from one word up to one more than the
// longest term is tried. The best-scoring window wins and ties go to the
// shorter window, so a correct neighbouring word is never swallowed.
// Punctuation around a replaced window is kept.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c == nil {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		// A term of w words may be heard as up to w+1 words.
		maxN := min(c.vocab.MaxWords()+1, len(tokens)-i)

		var (
			bestN                   int
			bestScore               float64
			bestTerm, bestCore      string
			bestLeading, bestTrails string
		)
		for n := 1; n <= maxN; n++ {
			leading, core, trailing := splitPunct(tokens[i : i+n])
			if core == "" {
				continue
			}
			term, conf, ok := c.matcher.Match(core, c.vocab)
			if ok && conf > bestScore {
				bestN, bestScore = n, conf
				bestTerm, bestCore = term, core
				bestLeading, bestTrails = leading, trailing
			}
		}
		if bestN == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		if bestTerm != bestCore {
			corrections = append(corrections, Correction{Original: bestCore, Corrected: bestTerm, Confidence: bestScore})
		}
		out = append(out, bestLeading+bestTerm+bestTrails)
		i += bestN
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// splitPunct joins window with spaces and separates leading and trailing
// punctuation from the alphanumeric core.
func splitPunct(window []string) (leading, core, trailing string) {
	joined := strings.Join(window, " ")
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(joined, isWord)
	if start < 0 {
		return "", "", ""
	}
	end := strings.LastIndexFunc(joined, isWord)
	_, size := utf8.DecodeRuneInString(joined[end:])
	return joined[:start], joined[start : end+size], joined[end+size:]
}
