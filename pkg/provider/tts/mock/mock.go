// Package mock provides a test double for the tts.Provider interface.
//
// Provider returns a PCM frame derived from the phrase text, records every
// call, and can be told to stall or fail on specific phrases so that tests can
// exercise ordering, timeout and cancellation behaviour.
//
//	p := &mock.Provider{
//	    SampleRate: 16000,
//	    Delays:     map[string]time.Duration{"slow.": time.Second},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SampleRate of returned frames. Defaults to 16000.
	SampleRate int

	// BytesPerChar controls the size of returned audio: each character of the
	// phrase becomes this many bytes of PCM. Defaults to 2.
	BytesPerChar int

	// Delays maps a phrase text to a synthesis delay. Phrases listed in Hang
	// never finish until ctx is done.
	Delays map[string]time.Duration

	// Hang lists phrases whose synthesis ignores everything but ctx.
	Hang map[string]bool

	// Errs maps a phrase text to an error returned for it.
	Errs map[string]error

	// Calls records every call in arrival order.
	Calls []SynthesizeCall

	// Cancelled counts calls that returned because ctx was done.
	Cancelled int

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile
}

// Synthesize records the call and returns deterministic audio for text. The
// first byte of each returned sample pair is the first byte of the text,
// which lets tests identify which phrase a frame belongs to.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (types.AudioFrame, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	delay := p.Delays[text]
	hang := p.Hang[text]
	err := p.Errs[text]
	rate := p.SampleRate
	bpc := p.BytesPerChar
	p.mu.Unlock()

	if rate == 0 {
		rate = 16000
	}
	if bpc == 0 {
		bpc = 2
	}

	var wait <-chan time.Time
	switch {
	case hang:
		wait = nil
	case delay > 0:
		wait = time.After(delay)
	default:
		c := make(chan time.Time, 1)
		c <- time.Time{}
		wait = c
	}
	select {
	case <-wait:
	case <-ctx.Done():
		p.mu.Lock()
		p.Cancelled++
		p.mu.Unlock()
		return types.AudioFrame{}, ctx.Err()
	}
	if err != nil {
		return types.AudioFrame{}, err
	}

	data := make([]byte, len(text)*bpc)
	if len(text) > 0 {
		for i := range data {
			data[i] = text[0]
		}
	}
	return types.AudioFrame{Data: data, SampleRate: rate, Channels: 1}, nil
}

// ListVoices returns ListVoicesResult.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, nil
}

// Texts returns the phrase texts synthesized so far, in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// CancelledCount returns the number of calls cut short by ctx.
func (p *Provider) CancelledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cancelled
}

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)
