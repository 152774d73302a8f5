// Package types defines the shared data types that flow between the voxgate
// pipeline stages: audio frames, speech segments, transcripts, phrases and
// conversation messages.
//
// This package has no dependencies on other voxgate packages so it can be
// imported freely by providers, internal stages and tests.
package types

import "time"

// Encoding names an audio payload encoding negotiated at session start.
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little-endian PCM, interleaved when
	// Channels > 1.
	EncodingPCM16 Encoding = "pcm_s16le"

	// EncodingOpus is one Opus packet per binary frame at 48 kHz.
	EncodingOpus Encoding = "opus"
)

// AudioFormat describes the wire format of the audio exchanged with a client.
type AudioFormat struct {
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
	Encoding   Encoding `json:"encoding"`
}

// AudioFrame is a chunk of raw PCM audio. Frames are never persisted; their
// position in a stream is implied by arrival order.
type AudioFrame struct {
	// Data holds signed 16-bit little-endian PCM samples.
	Data []byte

	// SampleRate is the sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// Timestamp is the offset of the first sample from the start of the stream.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// SpeechSegment is a span of buffered speech handed from the voice-activity
// gate to the transcription pipeline. Each segment maps to exactly one
// transcription attempt.
type SpeechSegment struct {
	// Seq is the zero-based index of the utterance within the session. Partial
	// segments share the Seq of the final segment that eventually closes them.
	Seq int

	// Start and End are stream offsets of the first and last buffered sample.
	Start time.Duration
	End   time.Duration

	// IsFinal reports whether the utterance has ended. Partial segments carry
	// the cumulative audio of an utterance still in progress.
	IsFinal bool

	// Audio is mono 16-bit PCM at the recognizer sample rate.
	Audio []byte

	// SampleRate of Audio in Hz.
	SampleRate int
}

// Transcript is a speech-to-text result for one SpeechSegment.
type Transcript struct {
	// Text is the recognised text. A final transcript for a failed decode has
	// empty Text.
	Text string

	// IsFinal distinguishes authoritative results from interim partials.
	IsFinal bool

	// Confidence is in [0,1]; zero when the recognizer does not report one.
	Confidence float64

	// Language is the BCP-47 tag used or detected for the decode.
	Language string

	// Seq is the utterance index of the segment this transcript belongs to.
	Seq int

	// Duration is the length of the decoded audio.
	Duration time.Duration
}

// Phrase is a unit of text submitted to the speech synthesizer.
type Phrase struct {
	Text string

	// Seq is the delivery position of the phrase within one response.
	Seq int
}

// Message roles used in the conversation window.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in the conversation window passed to the dialogue
// engine.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the turn.
	Content string

	// Name optionally identifies the author within a role.
	Name string
}

// VoiceProfile selects a synthesizer voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (speaker ID, voice ID or
	// reference audio path).
	ID string

	// Name is a human-readable label.
	Name string

	// Provider names the TTS backend the profile belongs to.
	Provider string

	// Language is an optional BCP-47 hint for multilingual voices.
	Language string

	// SpeedFactor scales speaking rate; 1.0 or zero means unchanged.
	SpeedFactor float64
}

// ModelCapabilities describes a language model's limits.
type ModelCapabilities struct {
	ContextWindow int

	MaxOutputTokens int

	SupportsStreaming bool
}
