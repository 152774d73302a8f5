// Package mock provides a test double for the llm.Provider interface.
//
// Provider replays a scripted sequence of chunks and records every request
// so tests can assert on the conversation that reached the model.
//
//	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Hello."}, {FinishReason: "stop"}}}
//	ch, _ := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is emitted, in order, on the channel returned by
	// StreamCompletion.
	StreamChunks []llm.Chunk

	// ChunkDelay is waited before each chunk. The wait honours ctx.
	ChunkDelay time.Duration

	// StreamErr, if non-nil, is returned from StreamCompletion instead of a
	// channel.
	StreamErr error

	// TokenCount is returned by CountTokens; zero means llm.EstimateTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and replays StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	req.Messages = slices.Clone(req.Messages)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	chunks, delay, err := slices.Clone(p.StreamChunks), p.ChunkDelay, p.StreamErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CountTokens returns TokenCount, or an estimate when it is zero.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded StreamCompletion calls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}

var _ llm.Provider = (*Provider)(nil)
