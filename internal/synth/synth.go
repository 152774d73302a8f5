// Package synth turns a streamed dialogue reply into ordered speech.
//
// A [Synthesizer] runs three stages per reply, all bound to one context:
//
//   - an accumulator that cuts the text stream into phrases with a
//     [PhraseBuffer],
//   - a dispatcher that starts one synthesis per phrase, at most Lookahead
//     ahead of delivery, each under the pool's worker budget and a fixed
//     timeout,
//   - a collector that emits finished audio strictly in phrase order.
//
// A phrase whose synthesis fails or times out is skipped: it is delivered in
// its place with Err set and no audio, and the next one proceeds. Cancelling the context (an interrupt) abandons every phrase not
// yet delivered.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/types"
)

// ErrPhraseTimeout is reported for a phrase whose synthesis outlived the
// per-phrase timeout.
var ErrPhraseTimeout = errors.New("synth: phrase synthesis timed out")

const (
	defaultPhraseTimeout = 5 * time.Second
	defaultLookahead     = 2
)

// Source supplies the shared synthesizer and the worker budget. *pool.Pool
// satisfies it.
type Source interface {
	AcquireTTS(ctx context.Context) (tts.Provider, error)
	AcquireWorker(ctx context.Context) (release func(), err error)
}

// Config tunes a Synthesizer.
type Config struct {
	Voice types.VoiceProfile

	// PhraseTimeout bounds one synthesis call. Zero means 5s.
	PhraseTimeout time.Duration

	// Lookahead is how many phrases may be synthesized ahead of the one
	// being delivered. Zero means 2.
	Lookahead int

	// PhraseMaxChars caps phrases without a sentence boundary.
	PhraseMaxChars int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Audio is the synthesized speech for one phrase. When synthesis failed,
// Err is set and Frame is empty.
type Audio struct {
	Phrase types.Phrase
	Frame  types.AudioFrame
	Err    error
}

// Synthesizer is safe for concurrent use; each Stream call is independent.
type Synthesizer struct {
	src     Source
	voice   types.VoiceProfile
	timeout time.Duration
	ahead   int
	maxLen  int
	metrics *observe.Metrics
	log     *slog.Logger
}

// New returns a Synthesizer drawing models and workers from src.
func New(src Source, cfg Config) *Synthesizer {
	if cfg.PhraseTimeout <= 0 {
		cfg.PhraseTimeout = defaultPhraseTimeout
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{
		src:     src,
		voice:   cfg.Voice,
		timeout: cfg.PhraseTimeout,
		ahead:   cfg.Lookahead,
		maxLen:  cfg.PhraseMaxChars,
		metrics: cfg.Metrics,
		log:     log,
	}
}

type phraseResult struct {
	phrase types.Phrase
	frame  types.AudioFrame
	err    error
}

// Stream reads text fragments until text is closed and returns the phrase
// audio in order. The returned channel is closed once the last phrase is
// delivered or ctx is done, whichever comes first.
func (s *Synthesizer) Stream(ctx context.Context, text <-chan string) <-chan Audio {
	out := make(chan Audio)
	phrases := make(chan types.Phrase, s.ahead)
	queue := make(chan chan phraseResult, s.ahead)

	go s.accumulate(ctx, text, phrases)
	go s.dispatch(ctx, phrases, queue)
	go s.collect(ctx, queue, out)
	return out
}

// accumulate cuts the text stream into phrases.
func (s *Synthesizer) accumulate(ctx context.Context, text <-chan string, phrases chan<- types.Phrase) {
	defer close(phrases)
	buf := NewPhraseBuffer(s.maxLen)
	send := func(p types.Phrase) bool {
		select {
		case phrases <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				if p, ok := buf.Flush(); ok {
					send(p)
				}
				return
			}
			for _, p := range buf.Write(fragment) {
				if !send(p) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch starts one synthesis per phrase. The bounded queue keeps at most
// Lookahead phrases in flight beyond the one being collected.
func (s *Synthesizer) dispatch(ctx context.Context, phrases <-chan types.Phrase, queue chan<- chan phraseResult) {
	defer close(queue)
	for {
		select {
		case p, ok := <-phrases:
			if !ok {
				return
			}
			ch := make(chan phraseResult, 1)
			select {
			case queue <- ch:
			case <-ctx.Done():
				return
			}
			go func() {
				frame, err := s.synthesize(ctx, p.Text)
				ch <- phraseResult{phrase: p, frame: frame, err: err}
			}()
		case <-ctx.Done():
			return
		}
	}
}

// collect delivers results in phrase order. Failed phrases are counted and
// passed on with their error.
func (s *Synthesizer) collect(ctx context.Context, queue <-chan chan phraseResult, out chan<- Audio) {
	defer close(out)
	for {
		var ch chan phraseResult
		select {
		case next, ok := <-queue:
			if !ok {
				return
			}
			ch = next
		case <-ctx.Done():
			return
		}

		var res phraseResult
		select {
		case res = <-ch:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}
		if res.err != nil {
			reason := "error"
			if errors.Is(res.err, ErrPhraseTimeout) {
				reason = "timeout"
			}
			s.log.Warn("synth: skipping phrase", "seq", res.phrase.Seq, "reason", reason, "text", res.phrase.Text, "err", res.err)
			if s.metrics != nil {
				s.metrics.RecordPhraseSkipped(ctx, reason)
			}
			res.frame = types.AudioFrame{}
		}
		select {
		case out <- Audio{Phrase: res.phrase, Frame: res.frame, Err: res.err}:
		case <-ctx.Done():
			return
		}
	}
}

// synthesize renders one phrase under a worker slot and the phrase timeout.
// A provider that ignores its context is abandoned at the deadline so the
// worker slot is returned regardless.
func (s *Synthesizer) synthesize(ctx context.Context, text string) (types.AudioFrame, error) {
	provider, err := s.src.AcquireTTS(ctx)
	if err != nil {
		return types.AudioFrame{}, err
	}
	release, err := s.src.AcquireWorker(ctx)
	if err != nil {
		return types.AudioFrame{}, err
	}
	defer release()

	tctx, cancel := context.WithTimeoutCause(ctx, s.timeout, ErrPhraseTimeout)
	defer cancel()

	type result struct {
		frame types.AudioFrame
		err   error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		frame, err := provider.Synthesize(tctx, text, s.voice)
		done <- result{frame, err}
	}()

	select {
	case r := <-done:
		if s.metrics != nil {
			s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		}
		if r.err != nil {
			if errors.Is(context.Cause(tctx), ErrPhraseTimeout) {
				return types.AudioFrame{}, fmt.Errorf("%w after %s", ErrPhraseTimeout, s.timeout)
			}
			return types.AudioFrame{}, fmt.Errorf("synth: synthesize: %w", r.err)
		}
		return r.frame, nil
	case <-tctx.Done():
		if errors.Is(context.Cause(tctx), ErrPhraseTimeout) {
			return types.AudioFrame{}, fmt.Errorf("%w after %s", ErrPhraseTimeout, s.timeout)
		}
		return types.AudioFrame{}, ctx.Err()
	}
}
