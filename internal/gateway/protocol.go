package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/types"
)

// ErrProtocolViolation marks a frame the session cannot interpret. It closes
// the connection.
var ErrProtocolViolation = errors.New("gateway: protocol violation")

// ErrUnsupportedFormat is returned by ValidateFormat.
var ErrUnsupportedFormat = errors.New("gateway: unsupported audio format")

// Client message types.
const (
	TypeSessionStart = "session_start"
	TypeTextInput    = "text_input"
	TypeInterrupt    = "interrupt"
	TypeSessionEnd   = "session_end"
	TypePing         = "ping"
)

// Server message types.
const (
	TypeSessionReady      = "session_ready"
	TypePartialTranscript = "partial_transcript"
	TypeFinalTranscript   = "final_transcript"
	TypeAgentResponse     = "agent_response"
	TypeResponseComplete  = "response_complete"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes carried by error frames.
const (
	CodeBadRequest        = "bad_request"
	CodeUnsupportedFormat = "unsupported_format"
	CodeModelUnavailable  = "model_unavailable"
	CodeASRDecode         = "asr_decode"
	CodeDialogueError     = "dialogue_error"
	CodeOverloaded        = "overloaded"
	CodeSessionExpired    = "session_expired"
)

// ClientMessage is a decoded client text frame. Only the fields belonging to
// Type are populated.
type ClientMessage struct {
	Type        string             `json:"type"`
	Language    string             `json:"language,omitempty"`
	AudioFormat *types.AudioFormat `json:"audio_format,omitempty"`
	Text        string             `json:"text,omitempty"`
}

// ServerMessage is a server text frame.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Language  string `json:"language,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MarshalJSON always emits text for transcript and response frames, even
// when it is empty, so clients can rely on the key.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	type plain ServerMessage
	switch m.Type {
	case TypePartialTranscript, TypeFinalTranscript, TypeAgentResponse:
		return json.Marshal(struct {
			plain
			Text string `json:"text"`
		}{plain(m), m.Text})
	}
	return json.Marshal(plain(m))
}

// DecodeClientMessage parses one client text frame. Malformed JSON, a
// missing or unknown type, and unknown fields are protocol violations.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if dec.More() {
		return ClientMessage{}, fmt.Errorf("%w: trailing data after message", ErrProtocolViolation)
	}
	switch msg.Type {
	case TypeSessionStart, TypeTextInput, TypeInterrupt, TypeSessionEnd, TypePing:
		return msg, nil
	case "":
		return ClientMessage{}, fmt.Errorf("%w: missing message type", ErrProtocolViolation)
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown message type %q", ErrProtocolViolation, msg.Type)
	}
}

// EncodeServerMessage renders msg for a text frame.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s: %w", msg.Type, err)
	}
	return b, nil
}

func sessionReady(id string) ServerMessage {
	return ServerMessage{Type: TypeSessionReady, SessionID: id}
}

func partialTranscript(text string) ServerMessage {
	return ServerMessage{Type: TypePartialTranscript, Text: text}
}

func finalTranscript(text, lang string) ServerMessage {
	return ServerMessage{Type: TypeFinalTranscript, Text: text, Language: lang}
}

func agentResponse(text string) ServerMessage {
	return ServerMessage{Type: TypeAgentResponse, Text: text}
}

func responseComplete() ServerMessage { return ServerMessage{Type: TypeResponseComplete} }

func pong() ServerMessage { return ServerMessage{Type: TypePong} }

func errorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}

// ---- session_start validation ----

var pcmRates = map[int]bool{8000: true, 16000: true, 24000: true, 48000: true}

// ValidateFormat checks a negotiated audio format: pcm_s16le at 8, 16, 24 or
// 48 kHz, or opus at 48 kHz, each with one or two channels.
func ValidateFormat(f types.AudioFormat) error {
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	switch f.Encoding {
	case types.EncodingPCM16:
		if !pcmRates[f.SampleRate] {
			return fmt.Errorf("%w: pcm_s16le at %d Hz", ErrUnsupportedFormat, f.SampleRate)
		}
	case types.EncodingOpus:
		if f.SampleRate != audio.OpusSampleRate {
			return fmt.Errorf("%w: opus at %d Hz", ErrUnsupportedFormat, f.SampleRate)
		}
	default:
		return fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, f.Encoding)
	}
	return nil
}

// NormalizeLanguage returns the canonical form of a BCP-47 tag, or "auto".
// An empty tag means auto-detection.
func NormalizeLanguage(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" || strings.EqualFold(tag, stt.LanguageAuto) {
		return stt.LanguageAuto, nil
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "", fmt.Errorf("gateway: invalid language %q: %w", tag, err)
	}
	return t.String(), nil
}
