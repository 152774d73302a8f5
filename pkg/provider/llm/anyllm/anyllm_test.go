package anyllm

import (
	"slices"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/types"
)

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "llama3"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hi", Name: "Ada"},
			{Role: types.RoleAssistant, Content: "hello"},
		},
		Temperature: 0.3,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "llama3" {
		t.Errorf("model = %q, want llama3", params.Model)
	}
	if len(params.Messages) != 3 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("want system prompt then two turns, got %+v", params.Messages)
	}
	if m := params.Messages[1]; m.Role != types.RoleUser || m.ContentString() != "hi" || m.Name != "Ada" {
		t.Errorf("user message = %+v", m)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesLeftUnset(t *testing.T) {
	p := &Provider{model: "llama3"}
	params, err := p.buildParams(llm.CompletionRequest{Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 1 {
		t.Errorf("got %d messages, want 1 without a system prompt", len(params.Messages))
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero temperature and max tokens should stay unset")
	}
}

func TestBuildParams_UnsupportedRole(t *testing.T) {
	p := &Provider{model: "llama3"}
	_, err := p.buildParams(llm.CompletionRequest{Messages: []types.Message{{Role: types.RoleUser}, {Role: "tool"}}})
	if err == nil || !strings.Contains(err.Error(), "message 1") {
		t.Fatalf("err = %v, want it to name message 1", err)
	}
}

func TestBackends(t *testing.T) {
	got := Backends()
	if !slices.IsSorted(got) {
		t.Errorf("Backends() not sorted: %v", got)
	}
	for _, want := range []string{"anthropic", "ollama", "openai", "llamafile"} {
		if !slices.Contains(got, want) {
			t.Errorf("Backends() missing %q", want)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr string
	}{
		{name: "empty model", backend: "ollama", wantErr: "model"},
		{name: "unknown backend", backend: "fakecloud", model: "m", wantErr: "known: anthropic"},
		{name: "local backend needs no key", backend: "ollama", model: "llama3"},
		{name: "case insensitive", backend: "LlamaCpp", model: "llama3"},
		{name: "hosted with key", backend: "anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.name != strings.ToLower(tt.backend) {
				t.Errorf("name = %q", p.name)
			}
		})
	}
}

func TestNew_OpenAIWithoutKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error without an API key")
	}
}

func TestCountTokensAndCapabilities(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	msgs := []types.Message{{Role: types.RoleUser, Content: "Hello there"}}
	if n, err := p.CountTokens(msgs); err != nil || n != llm.EstimateTokens(msgs) {
		t.Errorf("CountTokens = %d, %v", n, err)
	}
	if got := p.Capabilities().ContextWindow; got != 200_000 {
		t.Errorf("ContextWindow = %d, want 200000", got)
	}
}
