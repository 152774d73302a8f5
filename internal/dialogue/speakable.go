package dialogue

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SpeakableFilter strips markdown from streamed text so the same string can
// be shown to the client and spoken. It removes emphasis and inline code
// markers, heading, quote and bullet markers at line start, link targets and
// fenced code blocks. Markers split across chunks are held back until the
// next chunk resolves them.
//
// A SpeakableFilter is not safe for concurrent use.
type SpeakableFilter struct {
	pending   string
	last      rune
	lineStart bool
	inFence   bool
	inURL     bool
}

// NewSpeakableFilter returns a filter positioned at the start of a line.
func NewSpeakableFilter() *SpeakableFilter {
	return &SpeakableFilter{lineStart: true, last: ' '}
}

// Write filters text and returns what can be emitted now.
func (f *SpeakableFilter) Write(text string) string {
	return f.process(f.pending+text, false)
}

// Flush returns the filtered remainder, treating it as the end of the stream.
func (f *SpeakableFilter) Flush() string {
	return f.process(f.pending, true)
}

func (f *SpeakableFilter) process(s string, final bool) string {
	f.pending = ""
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		rest := s[i:]

		// Ambiguous marker at the end of a chunk: wait for more text.
		if !final && f.needsMore(rest) {
			f.pending = rest
			break
		}

		if f.lineStart {
			if n := f.lineMarker(rest); n > 0 {
				i += n
				continue
			}
		}

		r, size := utf8.DecodeRuneInString(rest)
		prev := f.last
		f.last = r
		if r == '\n' {
			f.lineStart = true
			f.inURL = false
			if !f.inFence {
				b.WriteRune(r)
			}
			i += size
			continue
		}
		f.lineStart = false

		switch {
		case f.inFence:
		case f.inURL:
			if r == ')' {
				f.inURL = false
			}
		case r == '*' || r == '`' || r == '~' || r == '[':
		case r == ']':
			if strings.HasPrefix(rest[size:], "(") {
				f.inURL = true
				i++
			}
		case r == '_':
			if !isWordRune(prev) || !isWordRune(nextRune(rest[size:])) {
				break
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}

// lineMarker returns the byte length of a line-start marker at the head of s,
// toggling fence state as a side effect. Zero means none.
func (f *SpeakableFilter) lineMarker(s string) int {
	if strings.HasPrefix(s, "```") {
		f.inFence = !f.inFence
		// Skip the info string up to the newline.
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			return nl
		}
		return len(s)
	}
	if f.inFence {
		return 0
	}
	trimmed := strings.TrimLeft(s, " \t")
	indent := len(s) - len(trimmed)
	if n := countPrefix(trimmed, '#'); n > 0 && n <= 6 && strings.HasPrefix(trimmed[n:], " ") {
		return indent + n + 1
	}
	for _, m := range []string{"- ", "* ", "+ ", "> "} {
		if strings.HasPrefix(trimmed, m) {
			return indent + len(m)
		}
	}
	return 0
}

// needsMore reports whether s (the unprocessed tail) starts with something
// whose meaning depends on text not yet received.
func (f *SpeakableFilter) needsMore(s string) bool {
	if f.lineStart {
		// A fence or heading marker may continue, or the marker's info string
		// may not be terminated yet.
		if strings.HasPrefix(s, "```") {
			return !strings.Contains(s, "\n")
		}
		trimmed := strings.TrimLeft(s, " \t")
		if len(trimmed) < 2 && !strings.Contains(s, "\n") {
			return true
		}
		if n := countPrefix(trimmed, '#'); n == len(trimmed) {
			return true
		}
		if n := countPrefix(trimmed, '`'); n > 0 && n == len(trimmed) {
			return true
		}
	}
	switch s {
	case "]", "_":
		return true
	}
	return false
}

func countPrefix(s string, c byte) int {
	n := 0
	for n < len(s) && s[n] == c {
		n++
	}
	return n
}

func nextRune(s string) rune {
	if s == "" {
		return ' '
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Speakable passes every chunk of in through one SpeakableFilter. Error
// chunks are forwarded unchanged; chunks that filter to nothing are dropped.
// The returned channel closes when in closes or ctx is done.
func Speakable(ctx context.Context, in <-chan Chunk) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		f := NewSpeakableFilter()
		send := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case c, ok := <-in:
				if !ok {
					if rest := f.Flush(); rest != "" {
						send(Chunk{Text: rest})
					}
					return
				}
				if c.Err != nil {
					if !send(c) {
						return
					}
					continue
				}
				if text := f.Write(c.Text); text != "" {
					if !send(Chunk{Text: text}) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
