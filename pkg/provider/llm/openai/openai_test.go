package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/types"
)

func TestConvertMessage_Roles(t *testing.T) {
	tests := []struct {
		role  string
		check func(t *testing.T, m types.Message)
	}{
		{types.RoleSystem, func(t *testing.T, m types.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("expected OfSystem, err=%v", err)
			}
		}},
		{types.RoleUser, func(t *testing.T, m types.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("expected OfUser, err=%v", err)
			}
		}},
		{types.RoleAssistant, func(t *testing.T, m types.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("expected OfAssistant, err=%v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			tt.check(t, types.Message{Role: tt.role, Content: "hi"})
		})
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(types.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		model   string
		opts    []Option
		wantErr bool
	}{
		{name: "hosted needs a key", model: "gpt-4o", wantErr: true},
		{name: "empty model", key: "sk-test", wantErr: true},
		{name: "hosted with key", key: "sk-test", model: "gpt-4o", opts: []Option{WithOrganization("org-123")}},
		{name: "compatible server without key", model: "llama3", opts: []Option{WithBaseURL("http://localhost:8000/v1/")}},
		{name: "custom client and timeout", key: "sk-test", model: "gpt-4o", opts: []Option{WithHTTPClient(&http.Client{}), WithTimeout(time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key, tt.model, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSettingsClient(t *testing.T) {
	if hc := (settings{}).client(); hc != nil {
		t.Errorf("no options should keep the SDK client, got %+v", hc)
	}
	base := &http.Client{Timeout: time.Minute}
	hc := settings{hc: base, timeout: time.Second}.client()
	if hc == base || hc.Timeout != time.Second || base.Timeout != time.Minute {
		t.Errorf("timeout must apply to a copy: got %v, base %v", hc.Timeout, base.Timeout)
	}
}

func TestBuildParams_NamesBadMessage(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	_, err := p.buildParams(llm.CompletionRequest{Messages: []types.Message{{Role: types.RoleUser}, {Role: "tool"}}})
	if err == nil || !strings.Contains(err.Error(), "message 1") {
		t.Fatalf("err = %v, want it to name message 1", err)
	}
}

func TestCapabilitiesAndTokens(t *testing.T) {
	p := &Provider{model: "gpt-4"}
	if got := p.Capabilities().ContextWindow; got != 8_192 {
		t.Errorf("ContextWindow = %d, want 8192", got)
	}
	n, err := p.CountTokens([]types.Message{{Role: types.RoleUser, Content: "Hello world"}})
	if err != nil || n != 7 {
		t.Errorf("CountTokens = %d, %v; want 7, nil", n, err)
	}
}

// ---- streaming against a fake server ----

func sseChunk(content, finish string) string {
	choice := map[string]any{"index": 0, "delta": map[string]any{"content": content}}
	if finish != "" {
		choice["finish_reason"] = finish
	} else {
		choice["finish_reason"] = nil
	}
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "gpt-4o",
		"choices": []any{choice},
	})
	return "data: " + string(b) + "\n\n"
}

func TestStreamCompletion(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hello", " there.", ""} {
			finish := ""
			if part == "" {
				finish = "stop"
			}
			fmt.Fprint(w, sseChunk(part, finish))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "hi"}},
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var text strings.Builder
	var finish string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		text.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if text.String() != "Hello there." {
		t.Errorf("text = %q, want %q", text.String(), "Hello there.")
	}
	if finish != "stop" {
		t.Errorf("finish = %q, want stop", finish)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("expected system prompt plus one message, got %d", len(msgs))
	}
	if gotBody["stream"] != true {
		t.Errorf("expected stream=true in request body, got %v", gotBody["stream"])
	}
}

func TestStreamCompletion_RejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "nope", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Fatal("expected an error for a rejected request")
	}
}
