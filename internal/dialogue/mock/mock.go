// Package mock provides a test double for dialogue.Engine.
//
// Engine replays scripted text chunks, optionally pausing between them, and
// records every window it was invoked with.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/dialogue"
	"github.com/MrWong99/voxgate/pkg/types"
)

// Engine is a mock implementation of dialogue.Engine.
type Engine struct {
	mu sync.Mutex

	// Chunks is replayed on every Invoke.
	Chunks []string

	// Delay is waited before each chunk. The wait honours ctx.
	Delay time.Duration

	// InvokeErr, if set, is returned from Invoke.
	InvokeErr error

	// StreamErr, if set, is sent as a final error chunk after Chunks.
	StreamErr error

	windows [][]types.Message
}

// Invoke records window and replays the script.
func (e *Engine) Invoke(ctx context.Context, window []types.Message) (<-chan dialogue.Chunk, error) {
	e.mu.Lock()
	e.windows = append(e.windows, append([]types.Message(nil), window...))
	chunks := append([]string(nil), e.Chunks...)
	delay, invokeErr, streamErr := e.Delay, e.InvokeErr, e.StreamErr
	e.mu.Unlock()

	if invokeErr != nil {
		return nil, invokeErr
	}
	out := make(chan dialogue.Chunk)
	go func() {
		defer close(out)
		send := func(c dialogue.Chunk) bool {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return false
				}
			}
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, text := range chunks {
			if !send(dialogue.Chunk{Text: text}) {
				return
			}
		}
		if streamErr != nil {
			send(dialogue.Chunk{Err: streamErr})
		}
	}()
	return out, nil
}

// Windows returns copies of every window passed to Invoke.
func (e *Engine) Windows() [][]types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]types.Message(nil), e.windows...)
}

// SetChunks replaces the script under the lock.
func (e *Engine) SetChunks(chunks ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Chunks = chunks
}

// SetInvokeErr replaces InvokeErr under the lock.
func (e *Engine) SetInvokeErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InvokeErr = err
}

var _ dialogue.Engine = (*Engine)(nil)
