package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	"github.com/MrWong99/voxgate/pkg/types"
)

func sttReq() stt.Request {
	return stt.Request{Audio: make([]byte, 320), SampleRate: 16000, Mode: stt.DecodeFinal}
}

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Result: types.Transcript{Text: "primary"}}
	secondary := &sttmock.Provider{Result: types.Transcript{Text: "secondary"}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), sttReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "primary" || !tr.IsFinal {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("connection refused")}
	secondary := &sttmock.Provider{Result: types.Transcript{Text: "secondary"}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), sttReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "secondary" {
		t.Fatalf("Text = %q, want secondary", tr.Text)
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Err: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), sttReq())
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_EmptyAudio(t *testing.T) {
	primary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})

	if _, err := fb.Transcribe(context.Background(), stt.Request{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
	if primary.CallCount() != 0 {
		t.Error("empty audio must not reach a backend")
	}
}

func TestSTTFallback_Close(t *testing.T) {
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	if err := fb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if primary.Closed != 1 || secondary.Closed != 1 {
		t.Errorf("Closed = %d/%d, want 1/1", primary.Closed, secondary.Closed)
	}
}
