// Package pool shares heavy speech models across every session in the
// process and bounds the CPU-heavy work those models do.
//
// A [Pool] owns exactly one ASR and one TTS [Handle]. Sessions never own
// model instances; they borrow them through AcquireASR and AcquireTTS and
// take a worker slot around each decode or synthesis call.
package pool

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

const (
	KindASR = "asr"
	KindTTS = "tts"
)

// Config holds the pool's factories and limits.
type Config struct {
	ASR Factory[stt.Provider]
	TTS Factory[tts.Provider]

	// Workers caps concurrent decode and synthesis calls process-wide.
	// Zero means 4.
	Workers int

	// Metrics is optional.
	Metrics *observe.Metrics
}

// Pool is the process-wide model and worker budget. Safe for concurrent use.
type Pool struct {
	asr     *Handle[stt.Provider]
	tts     *Handle[tts.Provider]
	workers *semaphore.Weighted
	size    int
}

// New returns a pool with unloaded handles. Nothing is constructed until the
// first Acquire call (or Warm).
func New(cfg Config) (*Pool, error) {
	if cfg.ASR == nil || cfg.TTS == nil {
		return nil, errors.New("pool: ASR and TTS factories are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pool{
		asr:     NewHandle(KindASR, cfg.ASR, cfg.Metrics),
		tts:     NewHandle(KindTTS, cfg.TTS, cfg.Metrics),
		workers: semaphore.NewWeighted(int64(cfg.Workers)),
		size:    cfg.Workers,
	}, nil
}

// AcquireASR returns the shared recognizer, loading it on first use.
func (p *Pool) AcquireASR(ctx context.Context) (stt.Provider, error) {
	return p.asr.Get(ctx)
}

// AcquireTTS returns the shared synthesizer, loading it on first use.
func (p *Pool) AcquireTTS(ctx context.Context) (tts.Provider, error) {
	return p.tts.Get(ctx)
}

// AcquireWorker blocks until a worker slot is free or ctx is done. The
// returned release func must be called exactly once.
func (p *Pool) AcquireWorker(ctx context.Context) (release func(), err error) {
	if err := p.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("pool: acquire worker: %w", err)
	}
	return func() { p.workers.Release(1) }, nil
}

// Workers returns the configured worker budget.
func (p *Pool) Workers() int { return p.size }

// Warm loads both models eagerly, returning the joined load errors. Failed
// handles stay retryable.
func (p *Pool) Warm(ctx context.Context) error {
	_, errASR := p.asr.Get(ctx)
	_, errTTS := p.tts.Get(ctx)
	return errors.Join(errASR, errTTS)
}

// Statuses reports both handles, ASR first.
func (p *Pool) Statuses() []Status {
	return []Status{p.asr.Status(), p.tts.Status()}
}

// Close tears both models down. Only call at process shutdown.
func (p *Pool) Close() error {
	return errors.Join(p.asr.Close(), p.tts.Close())
}

func metricKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("kind", kind))
}
