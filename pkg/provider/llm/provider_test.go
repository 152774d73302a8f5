package llm

import (
	"testing"

	"github.com/MrWong99/voxgate/pkg/types"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", got)
	}
	msgs := []types.Message{
		{Role: types.RoleUser, Content: "12345678"}, // 2 + 4
		{Role: types.RoleAssistant, Content: "123"}, // 1 + 4
	}
	if got := EstimateTokens(msgs); got != 11 {
		t.Errorf("EstimateTokens = %d, want 11", got)
	}
}

func TestKnownCapabilities(t *testing.T) {
	tests := []struct {
		model  string
		window int
		maxOut int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"GPT-4o", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"o3", 200_000, 100_000},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"claude-3-5-sonnet-latest", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"llama3:8b", 32_768, 4_096},
		{"something-new", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := KnownCapabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.MaxOutputTokens != tt.maxOut {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.maxOut)
			}
			if !caps.SupportsStreaming {
				t.Error("expected SupportsStreaming")
			}
		})
	}
}
