// Package energy implements a [vad.Engine] that classifies frames by their RMS
// energy. It needs no model files and runs in constant memory per stream,
// which makes it the default detector for the gateway.
//
// The probability reported for a frame is the RMS energy divided by twice the
// configured reference level, clamped to [0,1]. With the default reference of
// 300 a frame at RMS 300 reports 0.5. An optional moving average over the last
// few frames smooths out clicks and short dropouts.
package energy

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

const (
	defaultReferenceRMS = 300.0
	defaultSmoothing    = 3
)

// Engine creates energy-based detectors.
type Engine struct {
	referenceRMS float64
	smoothing    int
}

var _ vad.Engine = (*Engine)(nil)

// Option configures an [Engine].
type Option func(*Engine)

// WithReferenceRMS sets the RMS level that maps to a probability of 0.5.
func WithReferenceRMS(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.referenceRMS = rms
		}
	}
}

// WithSmoothing sets the number of frames averaged into each probability. A
// value of 1 disables smoothing.
func WithSmoothing(frames int) Option {
	return func(e *Engine) {
		if frames > 0 {
			e.smoothing = frames
		}
	}
}

// New returns an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{referenceRMS: defaultReferenceRMS, smoothing: defaultSmoothing}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewDetector implements [vad.Engine].
func (e *Engine) NewDetector(p vad.Params) (vad.Detector, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	return &detector{
		params:       p,
		frameLen:     p.FrameLen(),
		referenceRMS: e.referenceRMS,
		window:       make([]float64, 0, e.smoothing),
		smoothing:    e.smoothing,
	}, nil
}

type detector struct {
	params       vad.Params
	frameLen     int
	referenceRMS float64
	smoothing    int

	window []float64
	voiced bool
	closed bool
}

func (d *detector) Classify(frame []byte) (vad.Verdict, error) {
	if d.closed {
		return vad.Verdict{}, errors.New("energy vad: detector closed")
	}
	if len(frame) != d.frameLen {
		return vad.Verdict{}, fmt.Errorf("energy vad: %w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), d.frameLen)
	}

	v := vad.Verdict{Probability: d.average(probability(audio.RMS(frame), d.referenceRMS))}
	switch {
	case !d.voiced && v.Probability >= d.params.Enter:
		d.voiced = true
		v.Kind = vad.Onset
	case d.voiced && v.Probability < d.params.Exit:
		d.voiced = false
		v.Kind = vad.Offset
	case d.voiced:
		v.Kind = vad.Speech
	default:
		v.Kind = vad.Silence
	}
	return v, nil
}

// average folds p into the moving window and returns the window mean.
func (d *detector) average(p float64) float64 {
	if d.smoothing <= 1 {
		return p
	}
	if len(d.window) == d.smoothing {
		d.window = append(d.window[:0], d.window[1:]...)
	}
	d.window = append(d.window, p)
	var sum float64
	for _, w := range d.window {
		sum += w
	}
	return sum / float64(len(d.window))
}

func (d *detector) Reset() {
	d.window = d.window[:0]
	d.voiced = false
}

func (d *detector) Close() error {
	d.closed = true
	return nil
}

func probability(level, reference float64) float64 {
	return min(1, level/(2*reference))
}
