// Package gate turns a continuous PCM stream into speech segments.
//
// A [Gate] re-frames incoming audio to the detector's fixed frame size, asks
// the stream's VAD detector to classify each frame, and buffers speech. It
// emits a partial segment (cumulative audio of the utterance so far) every
// PartialInterval of speech, and a final segment once silence has outlasted
// Hangover. Silence-only input never produces a segment.
//
// A Gate is owned by one session and is not safe for concurrent use.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/types"
)

// Config tunes segmentation. Zero durations take the defaults below.
type Config struct {
	// SampleRate of the mono PCM fed to Write. Default 16000.
	SampleRate int

	// FrameMs is the VAD frame length. Default 30.
	FrameMs int

	// SpeechThreshold and SilenceThreshold become the detector's Enter and
	// Exit probabilities.
	// Defaults 0.5 and 0.35.
	SpeechThreshold  float64
	SilenceThreshold float64

	// Hangover is how long silence must last after speech before the
	// utterance is considered finished. Default 600ms.
	Hangover time.Duration

	// PartialInterval is the cadence of partial segments during speech.
	// Negative disables partials. Default 1s.
	PartialInterval time.Duration

	// MaxSegment forces a final once an utterance grows this long.
	// Default 30s.
	MaxSegment time.Duration

	// PreRoll is silence kept ahead of detected speech so word onsets are
	// not clipped. Default 150ms; negative disables.
	PreRoll time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameMs == 0 {
		c.FrameMs = 30
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = 0.5
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 0.35
	}
	if c.Hangover == 0 {
		c.Hangover = 600 * time.Millisecond
	}
	if c.PartialInterval == 0 {
		c.PartialInterval = time.Second
	}
	if c.MaxSegment == 0 {
		c.MaxSegment = 30 * time.Second
	}
	if c.PreRoll == 0 {
		c.PreRoll = 150 * time.Millisecond
	}
}

// Gate segments one session's audio. See the package documentation.
type Gate struct {
	cfg        Config
	vad        vad.Detector
	frameBytes int
	frameDur   time.Duration
	metrics    *observe.Metrics

	pending []byte // incomplete trailing frame
	preroll [][]byte

	inSpeech     bool
	buf          []byte
	segStart     time.Duration
	silence      time.Duration // trailing silence inside the current utterance
	sincePartial time.Duration
	pos          time.Duration // stream offset of the next frame
	seq          int
}

// Option configures a [Gate].
type Option func(*Gate)

// WithMetrics records segment counts.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a detector on engine and returns a Gate over it.
func New(engine vad.Engine, cfg Config, opts ...Option) (*Gate, error) {
	if engine == nil {
		return nil, errors.New("gate: vad engine must not be nil")
	}
	cfg.applyDefaults()
	if cfg.MaxSegment < cfg.Hangover {
		return nil, fmt.Errorf("gate: max segment %v shorter than hangover %v", cfg.MaxSegment, cfg.Hangover)
	}
	params := vad.Params{
		SampleRate: cfg.SampleRate,
		FrameMs:    cfg.FrameMs,
		Enter:      cfg.SpeechThreshold,
		Exit:       cfg.SilenceThreshold,
	}
	det, err := engine.NewDetector(params)
	if err != nil {
		return nil, fmt.Errorf("gate: create detector: %w", err)
	}
	g := &Gate{
		cfg:        cfg,
		vad:        det,
		frameBytes: params.FrameLen(),
		frameDur:   time.Duration(cfg.FrameMs) * time.Millisecond,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Write feeds mono 16-bit PCM at the configured sample rate and returns the
// segments completed by it, in order. Audio that does not fill a whole frame
// is held until the next call.
func (g *Gate) Write(pcm []byte) ([]types.SpeechSegment, error) {
	g.pending = append(g.pending, pcm...)
	var out []types.SpeechSegment
	for len(g.pending) >= g.frameBytes {
		frame := make([]byte, g.frameBytes)
		copy(frame, g.pending[:g.frameBytes])
		g.pending = g.pending[g.frameBytes:]

		v, err := g.vad.Classify(frame)
		if err != nil {
			return out, fmt.Errorf("gate: classify frame: %w", err)
		}
		if seg, ok := g.step(frame, v.Kind.Voiced()); ok {
			out = append(out, seg)
		}
	}
	// Reclaim the consumed prefix so pending never grows unbounded.
	if len(g.pending) == 0 {
		g.pending = g.pending[:0:0]
	}
	return out, nil
}

// step advances the state machine by one frame.
func (g *Gate) step(frame []byte, speech bool) (types.SpeechSegment, bool) {
	frameStart := g.pos
	g.pos += g.frameDur

	if !g.inSpeech {
		if !speech {
			g.pushPreroll(frame)
			return types.SpeechSegment{}, false
		}
		g.inSpeech = true
		g.segStart = frameStart
		g.buf = g.buf[:0]
		for _, f := range g.preroll {
			g.buf = append(g.buf, f...)
			g.segStart -= g.frameDur
		}
		g.preroll = g.preroll[:0]
		g.silence = 0
		g.sincePartial = 0
	}

	g.buf = append(g.buf, frame...)

	if speech {
		g.silence = 0
		g.sincePartial += g.frameDur
	} else {
		g.silence += g.frameDur
		if g.silence >= g.cfg.Hangover {
			return g.finish(), true
		}
	}

	if g.pos-g.segStart >= g.cfg.MaxSegment {
		return g.finish(), true
	}
	if speech && g.cfg.PartialInterval > 0 && g.sincePartial >= g.cfg.PartialInterval {
		g.sincePartial = 0
		return g.segment(false, g.pos), true
	}
	return types.SpeechSegment{}, false
}

func (g *Gate) pushPreroll(frame []byte) {
	if g.cfg.PreRoll <= 0 {
		return
	}
	limit := int(g.cfg.PreRoll / g.frameDur)
	if limit == 0 {
		return
	}
	if len(g.preroll) == limit {
		copy(g.preroll, g.preroll[1:])
		g.preroll = g.preroll[:limit-1]
	}
	g.preroll = append(g.preroll, frame)
}

// finish closes the current utterance. Trailing hangover silence is trimmed.
func (g *Gate) finish() types.SpeechSegment {
	trim := int(g.silence/g.frameDur) * g.frameBytes
	if trim > len(g.buf) {
		trim = len(g.buf)
	}
	g.buf = g.buf[:len(g.buf)-trim]
	seg := g.segment(true, g.pos-g.silence)
	g.inSpeech = false
	g.silence = 0
	g.sincePartial = 0
	g.buf = nil
	g.seq++
	return seg
}

func (g *Gate) segment(final bool, end time.Duration) types.SpeechSegment {
	audio := make([]byte, len(g.buf))
	copy(audio, g.buf)
	if g.metrics != nil {
		g.metrics.RecordSegment(context.Background(), final)
	}
	return types.SpeechSegment{
		Seq:        g.seq,
		Start:      g.segStart,
		End:        end,
		IsFinal:    final,
		Audio:      audio,
		SampleRate: g.cfg.SampleRate,
	}
}

// Flush ends an utterance in progress, if any, and returns it as a final
// segment. Held sub-frame audio is discarded and the detector starts over.
func (g *Gate) Flush() (types.SpeechSegment, bool) {
	g.pending = nil
	defer g.vad.Reset()
	if !g.inSpeech {
		return types.SpeechSegment{}, false
	}
	return g.finish(), true
}

// Close releases the VAD session.
func (g *Gate) Close() error {
	g.buf = nil
	g.pending = nil
	if err := g.vad.Close(); err != nil {
		return fmt.Errorf("gate: close detector: %w", err)
	}
	return nil
}
