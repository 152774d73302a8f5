package resilience

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/types"
)

// TTSFallback is a [tts.Provider] that fails over across synthesizers.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback returns a [TTSFallback] preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Synthesize renders one phrase with the first healthy synthesizer.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (types.AudioFrame, error) {
	return Do(ctx, f.FallbackGroup, func(ctx context.Context, p tts.Provider) (types.AudioFrame, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices asks the first healthy member that can enumerate voices.
// Members without a voice list are passed over without penalty.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	canList := func(p tts.Provider) bool {
		_, ok := p.(tts.VoiceLister)
		return ok
	}
	return doWhere(ctx, f.FallbackGroup, canList, func(ctx context.Context, p tts.Provider) ([]types.VoiceProfile, error) {
		return p.(tts.VoiceLister).ListVoices(ctx)
	})
}
