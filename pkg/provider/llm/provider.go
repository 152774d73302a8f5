// Package llm defines the streaming language-model contract used by the
// default dialogue engine, plus helpers shared by its implementations.
//
// A Provider turns a conversation into a stream of text deltas. The gateway
// never blocks on a full completion: the first delta is handed to the phrase
// buffer as soon as it arrives so synthesis can start early.
package llm

import (
	"context"
	"strings"

	"github.com/MrWong99/voxgate/pkg/types"
)

// FinishReasonError marks a chunk that carries a mid-stream failure in Err.
const FinishReasonError = "error"

// CompletionRequest is the input to a single completion.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first.
	Messages []types.Message

	// SystemPrompt, if non-empty, is sent ahead of Messages.
	SystemPrompt string

	// Temperature of 0 leaves the backend default in place.
	Temperature float64

	// MaxTokens of 0 leaves the backend default in place.
	MaxTokens int
}

// Chunk is one delta of a streamed completion.
type Chunk struct {
	Text string

	// FinishReason is set on the last chunk ("stop", "length", or
	// FinishReasonError).
	FinishReason string

	// Err is non-nil only when FinishReason is FinishReasonError.
	Err error
}

// Provider streams completions from a language model.
//
// The returned channel is closed when the completion ends, when ctx is
// cancelled, or after a FinishReasonError chunk. Implementations must be safe
// for concurrent use.
type Provider interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates the prompt size of messages.
	CountTokens(messages []types.Message) (int, error)

	Capabilities() types.ModelCapabilities
}

// EstimateTokens approximates the token count of messages at roughly four
// characters per token plus a small per-message overhead for role framing.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}

// KnownCapabilities returns limits for well-known model families. Unknown
// models get a conservative 128k window.
func KnownCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000

	case strings.Contains(lower, "claude-3-opus"):
		caps.ContextWindow = 200_000
	case strings.Contains(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192

	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "gemini-2.0-flash"), strings.Contains(lower, "gemini-1.5-flash"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.MaxOutputTokens = 8_192

	case strings.Contains(lower, "llama"), strings.Contains(lower, "mistral"), strings.Contains(lower, "qwen"):
		caps.ContextWindow = 32_768
	}
	return caps
}
