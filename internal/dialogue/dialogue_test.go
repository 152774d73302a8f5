package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgate/pkg/provider/llm/mock"
	"github.com/MrWong99/voxgate/pkg/types"
)

func testWindow() []types.Message {
	return []types.Message{
		{Role: types.RoleSystem, Content: "You are terse."},
		{Role: types.RoleUser, Content: "Hello?"},
	}
}

func joinChunks(t *testing.T, ch <-chan Chunk) (string, error) {
	t.Helper()
	var b strings.Builder
	for _, c := range collectChunks(t, ch) {
		if c.Err != nil {
			return b.String(), c.Err
		}
		b.WriteString(c.Text)
	}
	return b.String(), nil
}

func TestLLMEngine_Streams(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hi "}, {Text: ""}, {Text: "there."}, {FinishReason: "stop"},
	}}
	e := NewLLMEngine(p, WithTemperature(0.2), WithMaxTokens(64))

	ch, err := e.Invoke(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	text, err := joinChunks(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "Hi there." {
		t.Errorf("text = %q, want %q", text, "Hi there.")
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("StreamCompletion calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.Temperature != 0.2 || req.MaxTokens != 64 {
		t.Errorf("request params = (%v, %d), want (0.2, 64)", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != types.RoleSystem {
		t.Errorf("window not forwarded verbatim: %+v", req.Messages)
	}
}

func TestLLMEngine_EmptyWindow(t *testing.T) {
	e := NewLLMEngine(&llmmock.Provider{})
	if _, err := e.Invoke(context.Background(), nil); !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("err = %v, want ErrEmptyWindow", err)
	}
}

func TestLLMEngine_StartError(t *testing.T) {
	boom := errors.New("no backend")
	e := NewLLMEngine(&llmmock.Provider{StreamErr: boom})
	if _, err := e.Invoke(context.Background(), testWindow()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestLLMEngine_MidStreamError(t *testing.T) {
	boom := errors.New("connection reset")
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Part"},
		{FinishReason: llm.FinishReasonError, Err: boom},
		{Text: "never"},
	}}
	ch, err := NewLLMEngine(p).Invoke(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	text, err := joinChunks(t, ch)
	if !errors.Is(err, boom) {
		t.Fatalf("stream err = %v, want %v", err, boom)
	}
	if text != "Part" {
		t.Errorf("text before error = %q, want %q", text, "Part")
	}
}

func TestLLMEngine_Cancel(t *testing.T) {
	p := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "a"}, {Text: "b"}, {Text: "c"}},
		ChunkDelay:   50 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewLLMEngine(p).Invoke(ctx, testWindow())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	<-ch
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine stream not closed after cancel")
	}
}
