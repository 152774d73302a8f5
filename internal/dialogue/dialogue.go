// Package dialogue is the boundary to the conversational back end.
//
// The gateway treats the back end as an opaque [Engine]: it hands over the
// bounded conversation window and consumes a stream of text. Routing, tool
// use and retrieval all live behind that interface. [LLMEngine] is the
// shipped implementation and streams a reply from any llm.Provider.
//
// Engine output is passed through [Speakable] before it reaches the client,
// so the text shown and the text spoken are the same string.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/types"
)

// ErrEmptyWindow is returned by Invoke when the window has no turns.
var ErrEmptyWindow = errors.New("dialogue: empty conversation window")

// Chunk is one piece of an engine reply. A chunk with a non-nil Err ends the
// reply; Text is empty in that case.
type Chunk struct {
	Text string
	Err  error
}

// Engine produces a streamed reply to a conversation window.
//
// Implementations must be safe for concurrent use. The returned channel must
// be closed when the reply ends or ctx is done.
type Engine interface {
	Invoke(ctx context.Context, window []types.Message) (<-chan Chunk, error)
}

// Option configures an [LLMEngine].
type Option func(*LLMEngine)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(e *LLMEngine) { e.temperature = t }
}

// WithMaxTokens caps the reply length. Zero leaves the provider default.
func WithMaxTokens(n int) Option {
	return func(e *LLMEngine) { e.maxTokens = n }
}

// WithMetrics records latency and request counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *LLMEngine) { e.metrics = m }
}

// WithName sets the provider label used in metrics. Defaults to "llm".
func WithName(name string) Option {
	return func(e *LLMEngine) { e.name = name }
}

// LLMEngine adapts an llm.Provider to [Engine].
type LLMEngine struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
	name        string
	metrics     *observe.Metrics
}

var _ Engine = (*LLMEngine)(nil)

// NewLLMEngine returns an engine backed by p.
func NewLLMEngine(p llm.Provider, opts ...Option) *LLMEngine {
	e := &LLMEngine{provider: p, temperature: 0.7, name: "llm"}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Invoke streams a completion for window. System messages in the window are
// sent as they are; the provider adapters fold them into the request.
func (e *LLMEngine) Invoke(ctx context.Context, window []types.Message) (<-chan Chunk, error) {
	if len(window) == 0 {
		return nil, ErrEmptyWindow
	}
	req := llm.CompletionRequest{
		Messages:    window,
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}

	start := time.Now()
	stream, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		e.record(ctx, "error")
		return nil, fmt.Errorf("dialogue: start completion: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		first := true
		status := "ok"
		defer func() { e.record(ctx, status) }()

		for c := range stream {
			if c.Err != nil || c.FinishReason == llm.FinishReasonError {
				status = "error"
				err := c.Err
				if err == nil {
					err = errors.New("provider reported an error")
				}
				select {
				case out <- Chunk{Err: fmt.Errorf("dialogue: stream: %w", err)}:
				case <-ctx.Done():
				}
				audio.Drain(stream)
				return
			}
			if c.Text == "" {
				continue
			}
			if first {
				first = false
				if e.metrics != nil {
					e.metrics.DialogueDuration.Record(ctx, time.Since(start).Seconds())
				}
			}
			select {
			case out <- Chunk{Text: c.Text}:
			case <-ctx.Done():
				status = "cancelled"
				audio.Drain(stream)
				return
			}
		}
		if ctx.Err() != nil {
			status = "cancelled"
		}
	}()
	return out, nil
}

func (e *LLMEngine) record(ctx context.Context, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordProviderRequest(context.WithoutCancel(ctx), e.name, "llm", status)
	if status == "error" {
		e.metrics.RecordProviderError(context.WithoutCancel(ctx), e.name, "llm")
	}
}
