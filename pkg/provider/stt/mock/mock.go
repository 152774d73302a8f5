// Package mock provides test doubles for the stt package interfaces.
//
// Provider records every Transcribe request and answers from a fixed result,
// a per-call function, or an error. Example:
//
//	p := &mock.Provider{Result: types.Transcript{Text: "hello"}}
//	t, _ := p.Transcribe(ctx, stt.Request{Audio: pcm, Mode: stt.DecodeFinal})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Mode       stt.DecodeMode
	Language   string
	AudioBytes int
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned when TranscribeFunc is nil. IsFinal is set from the
	// request mode.
	Result types.Transcript

	// TranscribeFunc, if set, computes the result for each call.
	TranscribeFunc func(req stt.Request) (types.Transcript, error)

	// Err, if non-nil, is returned from every call.
	Err error

	// Delay makes each call wait before answering. The wait honours ctx.
	Delay time.Duration

	// Calls records every call.
	Calls []TranscribeCall

	// Closed counts Close calls.
	Closed int
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Mode: req.Mode, Language: req.Language, AudioBytes: len(req.Audio)})
	delay, err, fn, res := p.Delay, p.Err, p.TranscribeFunc, p.Result
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.Transcript{}, ctx.Err()
		}
	}
	if err != nil {
		return types.Transcript{}, err
	}
	if fn != nil {
		return fn(req)
	}
	res.IsFinal = req.Mode == stt.DecodeFinal
	if res.Language == "" {
		res.Language = req.Language
	}
	return res, nil
}

// Close implements stt.Closer.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed++
	return nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// FinalCalls returns the number of final-mode calls so far.
func (p *Provider) FinalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.Calls {
		if c.Mode == stt.DecodeFinal {
			n++
		}
	}
	return n
}

var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Closer   = (*Provider)(nil)
)
