// Package coqui provides a TTS provider backed by a self-hosted Coqui TTS
// server. It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body; the voice catalogue comes from
//     GET /studio_speakers.
//
// Both servers answer one HTTP request per phrase with a WAV file. The provider
// strips the container and returns PCM at the model's native sample rate.
//
//	p, _ := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	frame, err := p.Synthesize(ctx, "Hello there.", voice)
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/types"
)

// Compile-time interface assertions.
var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// ---- constants ----

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// maxWAVBytes caps a single response; a 30 s mono 24 kHz phrase is ~1.4 MB.
	maxWAVBytes = 16 << 20
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server when the voice
// profile carries none. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. Apply it before [WithTimeout].
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeStandard && p.apiMode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.apiMode)
	}
	return p, nil
}

// ---- Synthesize ----

// Synthesize renders one phrase and returns its PCM.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (types.AudioFrame, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.AudioFrame{}, tts.ErrEmptyText
	}
	lang := cmp.Or(voice.Language, p.language)

	req, err := p.synthRequest(ctx, text, voice.ID, lang)
	if err != nil {
		return types.AudioFrame{}, err
	}
	req.Header.Set("Accept", "audio/wav")
	body, err := p.do(req)
	if err != nil {
		return types.AudioFrame{}, err
	}
	defer body.Close()

	wav, err := io.ReadAll(io.LimitReader(body, maxWAVBytes))
	if err != nil {
		return types.AudioFrame{}, fmt.Errorf("coqui: read audio: %w", err)
	}
	info, err := audio.ParseWAV(wav)
	if err != nil {
		return types.AudioFrame{}, fmt.Errorf("coqui: %w", err)
	}
	pcm := wav[info.DataOffset:]
	return types.AudioFrame{
		Data:       pcm[:len(pcm)&^1],
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
	}, nil
}

// synthRequest builds the synthesis call for the configured API mode.
func (p *Provider) synthRequest(ctx context.Context, text, speaker, lang string) (*http.Request, error) {
	if p.apiMode == APIModeStandard {
		q := url.Values{"text": {text}}
		if speaker != "" {
			q.Set("speaker_id", speaker)
		}
		if lang != "" {
			q.Set("language_id", lang)
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	}

	// XTTS clones from a reference clip and cannot run without one.
	if speaker == "" {
		return nil, errors.New("coqui: xtts mode needs a voice id naming the reference speaker")
	}
	body, err := json.Marshal(struct {
		Text       string `json:"text"`
		SpeakerWav string `json:"speaker_wav"`
		Language   string `json:"language"`
	}{text, speaker, lang})
	if err != nil {
		return nil, fmt.Errorf("coqui: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do sends req and returns the body of a 200 response.
func (p *Provider) do(req *http.Request) (io.ReadCloser, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("coqui: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return resp.Body, nil
}

// ---- ListVoices ----

// ListVoices returns the server's speakers, sorted by name. XTTS servers
// list studio speakers; a standard server lists its model's speakers, or
// one profile named after a single-speaker model.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	endpoint := detailsEndpoint
	if p.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var names []string
	if p.apiMode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := json.NewDecoder(body).Decode(&speakers); err != nil {
			return nil, fmt.Errorf("coqui: decode %s: %w", endpoint, err)
		}
		names = slices.Collect(maps.Keys(speakers))
	} else {
		var details struct {
			ModelName string   `json:"model_name"`
			Speakers  []string `json:"speakers"`
		}
		if err := json.NewDecoder(body).Decode(&details); err != nil {
			return nil, fmt.Errorf("coqui: decode %s: %w", endpoint, err)
		}
		names = details.Speakers
		if len(names) == 0 {
			names = []string{cmp.Or(details.ModelName, "default")}
		}
	}
	slices.Sort(names)

	profiles := make([]types.VoiceProfile, len(names))
	for i, n := range names {
		profiles[i] = types.VoiceProfile{ID: n, Name: n, Provider: "coqui"}
	}
	return profiles, nil
}
