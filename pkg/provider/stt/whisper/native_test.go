package whisper_test

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/stt/whisper"
)

func TestNewNative_BadModelPath(t *testing.T) {
	for _, path := range []string{"", "/nonexistent/ggml-base.en.bin"} {
		if _, err := whisper.NewNative(path); err == nil {
			t.Errorf("NewNative(%q): expected error", path)
		}
	}
}

// nativeModel loads the model named by WHISPER_MODEL_PATH, skipping the
// test when it is unset.
func nativeModel(t *testing.T, opts ...whisper.NativeOption) *whisper.NativeProvider {
	t.Helper()
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set")
	}
	p, err := whisper.NewNative(path, opts...)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNative_Transcribe(t *testing.T) {
	p := nativeModel(t, whisper.WithNativeLanguage("en"), whisper.WithNativeThreads(2))

	tests := []struct {
		name    string
		req     stt.Request
		wantErr bool
	}{
		{name: "final over silence", req: stt.Request{Audio: pcm(1000), SampleRate: 16000, Mode: stt.DecodeFinal}},
		{name: "stereo is downmixed", req: stt.Request{Audio: pcm(1000), SampleRate: 16000, Channels: 2, Mode: stt.DecodePartial}},
		{name: "wrong rate", req: stt.Request{Audio: pcm(100), SampleRate: 48000}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Transcribe(context.Background(), tt.req)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			if got.IsFinal != (tt.req.Mode == stt.DecodeFinal) || got.Language != "en" {
				t.Errorf("transcript metadata = %+v", got)
			}
		})
	}
}
