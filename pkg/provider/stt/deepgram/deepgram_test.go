package deepgram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.Request{SampleRate: 16000}, "en")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "detect_language", "", q.Get("detect_language"))
}

func TestBuildURL_AutoLanguage(t *testing.T) {
	p, _ := New("test-key", WithModel("base"))

	rawURL, err := p.buildURL(stt.Request{SampleRate: 8000, Channels: 2}, stt.LanguageAuto)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "detect_language", "true", q.Get("detect_language"))
	assertEqual(t, "language", "", q.Get("language"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	assertEqual(t, "channels", "2", q.Get("channels"))
}

// ---- Transcribe ----

func TestTranscribe_ParsesResponse(t *testing.T) {
	var gotAuth string
	var gotBytes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBytes = len(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"metadata": {"duration": 1.5},
			"results": {"channels": [{
				"detected_language": "de",
				"alternatives": [{"transcript": " guten tag ", "confidence": 0.93}]
			}]}
		}`)
	}))
	defer srv.Close()

	p, _ := New("secret", WithEndpoint(srv.URL))
	got, err := p.Transcribe(context.Background(), stt.Request{
		Audio: make([]byte, 640), SampleRate: 16000, Language: stt.LanguageAuto, Mode: stt.DecodeFinal,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	assertEqual(t, "authorization", "Token secret", gotAuth)
	if gotBytes != 640 {
		t.Errorf("server received %d bytes, want 640", gotBytes)
	}
	assertEqual(t, "text", "guten tag", got.Text)
	assertEqual(t, "language", "de", got.Language)
	if !got.IsFinal || got.Confidence != 0.93 || got.Duration != 1500*time.Millisecond {
		t.Errorf("unexpected transcript: %+v", got)
	}
}

func TestTranscribe_NoAlternatives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"results": {"channels": []}}`)
	}))
	defer srv.Close()

	p, _ := New("k", WithEndpoint(srv.URL))
	got, err := p.Transcribe(context.Background(), stt.Request{Audio: make([]byte, 32), Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "" || got.IsFinal {
		t.Errorf("unexpected transcript: %+v", got)
	}
}

func TestTranscribe_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad", WithEndpoint(srv.URL))
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: make([]byte, 32)}); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
