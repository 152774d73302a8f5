package synth

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxgate/pkg/types"
)

// DefaultPhraseMaxChars caps a phrase that never reaches a sentence boundary.
const DefaultPhraseMaxChars = 200

// PhraseBuffer accumulates streamed text and cuts it into phrases. A phrase
// ends at '.', '!' or '?' followed by whitespace, at a newline, or once the
// buffer reaches the length cap. It is not safe for concurrent use.
type PhraseBuffer struct {
	maxChars int
	buf      strings.Builder
	seq      int
}

// NewPhraseBuffer returns a buffer that cuts phrases at maxChars bytes when
// no boundary appears first. Non-positive maxChars means DefaultPhraseMaxChars.
func NewPhraseBuffer(maxChars int) *PhraseBuffer {
	if maxChars <= 0 {
		maxChars = DefaultPhraseMaxChars
	}
	return &PhraseBuffer{maxChars: maxChars}
}

// Write appends text and returns every phrase it completed, in order.
func (b *PhraseBuffer) Write(text string) []types.Phrase {
	b.buf.WriteString(text)
	var out []types.Phrase
	for {
		s := b.buf.String()
		cut := phraseBoundary(s)
		if cut < 0 && len(s) >= b.maxChars {
			cut = capCut(s, b.maxChars)
		}
		if cut < 0 {
			return out
		}
		phrase := strings.TrimSpace(s[:cut])
		b.buf.Reset()
		b.buf.WriteString(strings.TrimLeftFunc(s[cut:], unicode.IsSpace))
		if phrase == "" {
			continue
		}
		out = append(out, types.Phrase{Text: phrase, Seq: b.seq})
		b.seq++
	}
}

// Flush returns whatever is buffered as a final phrase.
func (b *PhraseBuffer) Flush() (types.Phrase, bool) {
	phrase := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	if phrase == "" {
		return types.Phrase{}, false
	}
	p := types.Phrase{Text: phrase, Seq: b.seq}
	b.seq++
	return p, true
}

// Pending returns the number of buffered bytes not yet emitted.
func (b *PhraseBuffer) Pending() int { return b.buf.Len() }

// phraseBoundary returns the index just past the first phrase end in s, or
// -1. Terminal punctuation at the very end of s is not a boundary yet since
// the next fragment may continue it ("3." then "14").
func phraseBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			return i + 1
		case '.', '!', '?':
			if i+1 < len(s) {
				r, _ := utf8.DecodeRuneInString(s[i+1:])
				if unicode.IsSpace(r) {
					return i + 1
				}
			}
		}
	}
	return -1
}

// capCut picks a cut point at or before limit: the last whitespace, or the
// last rune start when the prefix has no whitespace.
func capCut(s string, limit int) int {
	limit = min(limit, len(s))
	if i := strings.LastIndexFunc(s[:limit], unicode.IsSpace); i > 0 {
		return i
	}
	for limit > 0 && limit < len(s) && !utf8.RuneStart(s[limit]) {
		limit--
	}
	if limit == 0 {
		// A single rune wider than the cap.
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return limit
}
