package synth

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func phraseTexts(t *testing.T, b *PhraseBuffer, fragments ...string) []string {
	t.Helper()
	var out []string
	for _, f := range fragments {
		for _, p := range b.Write(f) {
			out = append(out, p.Text)
		}
	}
	if p, ok := b.Flush(); ok {
		out = append(out, p.Text)
	}
	return out
}

func TestPhraseBuffer_Boundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		maxChars  int
		fragments []string
		want      []string
	}{
		{
			name:      "sentence punctuation",
			fragments: []string{"Hello there. How are", " you? Fine!"},
			want:      []string{"Hello there.", "How are you?", "Fine!"},
		},
		{
			name:      "decimal is not a boundary",
			fragments: []string{"It costs 3.", "14 gold. Deal?"},
			want:      []string{"It costs 3.14 gold.", "Deal?"},
		},
		{
			name:      "abbreviation without space",
			fragments: []string{"See e.g.this one."},
			want:      []string{"See e.g.this one."},
		},
		{
			name:      "newline ends a phrase",
			fragments: []string{"- first item\n- second item\n"},
			want:      []string{"- first item", "- second item"},
		},
		{
			name:      "trailing text flushed",
			fragments: []string{"no punctuation at all"},
			want:      []string{"no punctuation at all"},
		},
		{
			name:      "blank phrases dropped",
			fragments: []string{"One.  \n\n  Two."},
			want:      []string{"One.", "Two."},
		},
		{
			name:      "length cap cuts at whitespace",
			maxChars:  12,
			fragments: []string{"alpha beta gamma delta"},
			want:      []string{"alpha beta", "gamma delta"},
		},
		{
			name:      "length cap without whitespace",
			maxChars:  4,
			fragments: []string{"abcdefghij"},
			want:      []string{"abcd", "efgh", "ij"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := phraseTexts(t, NewPhraseBuffer(tc.maxChars), tc.fragments...)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPhraseBuffer_SequenceNumbers(t *testing.T) {
	t.Parallel()
	b := NewPhraseBuffer(0)
	ps := b.Write("A. B. C")
	if len(ps) != 2 || ps[0].Seq != 0 || ps[1].Seq != 1 {
		t.Fatalf("unexpected phrases: %+v", ps)
	}
	if b.Pending() == 0 {
		t.Error("expected buffered remainder")
	}
	p, ok := b.Flush()
	if !ok || p.Seq != 2 || p.Text != "C" {
		t.Errorf("Flush = %+v, %v", p, ok)
	}
	if _, ok := b.Flush(); ok {
		t.Error("second Flush should be empty")
	}
}

func TestPhraseBuffer_MultibyteCap(t *testing.T) {
	t.Parallel()
	b := NewPhraseBuffer(5)
	for _, p := range phraseTexts(t, b, "äöüäöüäöü") {
		if !utf8.ValidString(p) {
			t.Errorf("phrase %q split a rune", p)
		}
	}
}
