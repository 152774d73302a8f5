// Package stt defines the Provider interface for speech-to-text backends.
//
// The gateway performs voice-activity gating itself, so recognizers only ever
// see bounded speech segments. A Provider therefore exposes a single
// request/response call: Transcribe decodes one buffer of mono PCM audio and
// returns one transcript. Partial decodes are requested with [DecodePartial]
// and may trade accuracy for speed; [DecodeFinal] asks for the best result the
// backend can produce.
//
// Implementations must be safe for concurrent use. A single Provider instance
// is shared by every session in the process.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/voxgate/pkg/types"
)

// LanguageAuto asks the recognizer to detect the spoken language.
const LanguageAuto = "auto"

// ErrEmptyAudio is returned when Transcribe is called without audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// DecodeMode selects the decode strategy for a request.
type DecodeMode int

const (
	// DecodePartial requests a fast, low-effort decode of an utterance that is
	// still in progress.
	DecodePartial DecodeMode = iota

	// DecodeFinal requests a full decode of a completed utterance.
	DecodeFinal
)

// String returns the mode name used in logs and metrics.
func (m DecodeMode) String() string {
	if m == DecodeFinal {
		return "final"
	}
	return "partial"
}

// Request is a single transcription request.
type Request struct {
	// Audio is signed 16-bit little-endian PCM.
	Audio []byte

	// SampleRate of Audio in Hz.
	SampleRate int

	// Channels in Audio. Zero means mono.
	Channels int

	// Language is a BCP-47 tag, or LanguageAuto / empty for detection.
	Language string

	// Mode selects partial or final decoding.
	Mode DecodeMode
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe decodes req.Audio. The returned transcript has IsFinal set
	// according to req.Mode and Language set to the language that was used or
	// detected. Text may be empty when the audio contains no recognisable
	// speech; that is not an error.
	Transcribe(ctx context.Context, req Request) (types.Transcript, error)
}

// Closer is implemented by providers that hold native resources.
type Closer interface {
	Close() error
}
