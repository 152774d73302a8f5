// Package tts defines the Provider interface for text-to-speech backends.
//
// The gateway splits the dialogue engine's reply into phrases itself and
// schedules one synthesis call per phrase, so providers expose a single
// request/response operation. The returned frame carries the provider's
// native sample rate; callers convert it to the client's negotiated format.
//
// Implementations must be safe for concurrent use: the phrase pipeline may
// synthesize several phrases of one response in parallel, and a single
// Provider instance is shared by every session in the process.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/voxgate/pkg/types"
)

// ErrEmptyText is returned when Synthesize is called with blank text.
var ErrEmptyText = errors.New("tts: empty text")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns mono or stereo
	// 16-bit PCM. It must return promptly with ctx.Err() once ctx is done.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (types.AudioFrame, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
