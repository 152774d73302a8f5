package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/types"
)

// STTFallback is an [stt.Provider] that fails over across recognizers.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var (
	_ stt.Provider = (*STTFallback)(nil)
	_ stt.Closer   = (*STTFallback)(nil)
)

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Transcribe decodes req with the first healthy recognizer. Empty audio is
// rejected up front so it never counts against a backend.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	if len(req.Audio) == 0 {
		return types.Transcript{}, stt.ErrEmptyAudio
	}
	return Do(ctx, f.FallbackGroup, func(ctx context.Context, p stt.Provider) (types.Transcript, error) {
		return p.Transcribe(ctx, req)
	})
}

// Close releases every member that holds native resources.
func (f *STTFallback) Close() error {
	var errs []error
	for _, m := range f.members {
		if c, ok := m.value.(stt.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
