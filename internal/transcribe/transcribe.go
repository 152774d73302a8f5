// Package transcribe turns gated speech segments into transcripts using the
// shared recognizer.
//
// A [Pipeline] is owned by one session. Segments are decoded one at a time in
// arrival order, so transcripts leave the pipeline in segment order. Partial
// segments are best effort: they are dropped when the queue is full or when a
// newer segment is already waiting. Every final segment yields exactly one
// final [Result], even when the decode fails.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/transcript"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/types"
)

const defaultQueueSize = 8

// Source supplies the shared recognizer and the worker budget. *pool.Pool
// satisfies it.
type Source interface {
	AcquireASR(ctx context.Context) (stt.Provider, error)
	AcquireWorker(ctx context.Context) (release func(), err error)
}

// Result is one pipeline output. A failed final carries an empty final
// transcript and a non-nil Err.
type Result struct {
	Transcript types.Transcript

	// Corrections lists vocabulary substitutions applied to a final.
	Corrections []transcript.Correction

	Err error
}

// Config tunes a Pipeline.
type Config struct {
	// Language is a BCP-47 tag or "auto" for per-final detection. Empty means
	// auto.
	Language string

	// QueueSize bounds queued segments. Zero means 8.
	QueueSize int

	// Corrector is applied to final text. Nil disables correction.
	Corrector *transcript.Corrector

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Pipeline decodes one session's segments sequentially.
type Pipeline struct {
	src       Source
	language  string
	corrector *transcript.Corrector
	metrics   *observe.Metrics
	log       *slog.Logger

	in        chan types.SpeechSegment
	out       chan Result
	closeOnce sync.Once
}

// New returns a pipeline reading from src. Call Run to start it.
func New(src Source, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	lang := strings.TrimSpace(cfg.Language)
	if lang == "" {
		lang = stt.LanguageAuto
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		src:       src,
		language:  lang,
		corrector: cfg.Corrector,
		metrics:   cfg.Metrics,
		log:       log,
		in:        make(chan types.SpeechSegment, cfg.QueueSize),
		out:       make(chan Result, cfg.QueueSize),
	}
}

// Results returns the output channel. It is closed when Run returns.
func (p *Pipeline) Results() <-chan Result {
	return p.out
}

// Submit queues a segment. Partial segments are dropped when the queue is
// full; finals wait for room or for ctx. Submit must not be called
// concurrently with or after Close.
func (p *Pipeline) Submit(ctx context.Context, seg types.SpeechSegment) error {
	if !seg.IsFinal {
		select {
		case p.in <- seg:
		default:
			p.log.Debug("transcribe: queue full, dropping partial", "seq", seg.Seq)
		}
		return nil
	}
	select {
	case p.in <- seg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transcribe: submit final %d: %w", seg.Seq, ctx.Err())
	}
}

// Close stops accepting segments. Run drains what is queued and returns.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.in) })
}

// Run decodes queued segments until Close has been called and the queue is
// drained, or ctx is done. It closes the Results channel on return.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg, ok := <-p.in:
			if !ok {
				return nil
			}
			if !seg.IsFinal && len(p.in) > 0 {
				// Superseded by a newer segment of the same or next utterance.
				continue
			}
			res, emit := p.process(ctx, seg)
			if !emit {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			select {
			case p.out <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// process decodes seg. emit is false for partials that produced nothing
// worth showing and for decodes cut short by ctx.
func (p *Pipeline) process(ctx context.Context, seg types.SpeechSegment) (res Result, emit bool) {
	mode := stt.DecodePartial
	if seg.IsFinal {
		mode = stt.DecodeFinal
	}

	tr, err := p.decode(ctx, seg, mode)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, false
		}
		if !seg.IsFinal {
			p.log.Debug("transcribe: partial decode failed", "seq", seg.Seq, "err", err)
			return Result{}, false
		}
		p.log.Warn("transcribe: final decode failed", "seq", seg.Seq, "err", err)
		return Result{
			Transcript: types.Transcript{IsFinal: true, Seq: seg.Seq, Language: p.fallbackLanguage(), Duration: seg.End - seg.Start},
			Err:        err,
		}, true
	}

	tr.Text = strings.TrimSpace(tr.Text)
	tr.IsFinal = seg.IsFinal
	tr.Seq = seg.Seq
	tr.Duration = seg.End - seg.Start
	if tr.Language == "" {
		tr.Language = p.fallbackLanguage()
	}

	if !seg.IsFinal {
		return Result{Transcript: tr}, tr.Text != ""
	}

	var corrections []transcript.Correction
	tr.Text, corrections = p.corrector.Correct(tr.Text)
	for _, c := range corrections {
		p.log.Debug("transcribe: vocabulary correction", "seq", seg.Seq, "original", c.Original, "corrected", c.Corrected, "confidence", c.Confidence)
	}
	return Result{Transcript: tr, Corrections: corrections}, true
}

func (p *Pipeline) decode(ctx context.Context, seg types.SpeechSegment, mode stt.DecodeMode) (types.Transcript, error) {
	if len(seg.Audio) == 0 {
		return types.Transcript{}, stt.ErrEmptyAudio
	}
	asr, err := p.src.AcquireASR(ctx)
	if err != nil {
		return types.Transcript{}, err
	}
	release, err := p.src.AcquireWorker(ctx)
	if err != nil {
		return types.Transcript{}, err
	}
	defer release()

	start := time.Now()
	tr, err := asr.Transcribe(ctx, stt.Request{
		Audio:      seg.Audio,
		SampleRate: seg.SampleRate,
		Channels:   1,
		Language:   p.language,
		Mode:       mode,
	})
	if p.metrics != nil {
		p.metrics.ASRDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("mode", mode.String())))
	}
	if err != nil {
		return types.Transcript{}, fmt.Errorf("transcribe: %s decode of segment %d: %w", mode, seg.Seq, err)
	}
	return tr, nil
}

// fallbackLanguage is reported when the recognizer names none.
func (p *Pipeline) fallbackLanguage() string {
	if p.language == stt.LanguageAuto {
		return ""
	}
	return p.language
}
