// Package mock provides test doubles for the vad package.
package mock

import (
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// Engine is a mock [vad.Engine].
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector; nil hands out a fresh [Detector].
	Detector vad.Detector

	// Err, if non-nil, is returned by NewDetector.
	Err error

	// Params records the parameters of every NewDetector call.
	Params []vad.Params
}

// NewDetector implements [vad.Engine].
func (e *Engine) NewDetector(p vad.Params) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Params = append(e.Params, p)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Detector is a mock [vad.Detector].
//
// Each Classify call consumes the next value of Script and compares it to
// Threshold (0.5 when zero). With the script exhausted Classify reports
// Fallback.
type Detector struct {
	mu sync.Mutex

	Script    []float64
	Threshold float64
	Fallback  vad.Verdict

	// ClassifyErr, if non-nil, is returned by Classify.
	ClassifyErr error
	CloseErr    error

	// FrameLens holds the length of every classified frame.
	FrameLens []int
	Resets    int
	Closes    int

	next   int
	voiced bool
}

// Classify implements [vad.Detector].
func (d *Detector) Classify(frame []byte) (vad.Verdict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FrameLens = append(d.FrameLens, len(frame))
	if d.ClassifyErr != nil {
		return vad.Verdict{}, d.ClassifyErr
	}
	if d.next >= len(d.Script) {
		return d.Fallback, nil
	}
	p := d.Script[d.next]
	d.next++

	cut := d.Threshold
	if cut == 0 {
		cut = 0.5
	}
	v := vad.Verdict{Probability: p}
	switch above := p >= cut; {
	case above && d.voiced:
		v.Kind = vad.Speech
	case above:
		v.Kind = vad.Onset
	case d.voiced:
		v.Kind = vad.Offset
	}
	d.voiced = p >= cut
	return v, nil
}

// Reset implements [vad.Detector].
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Resets++
	d.voiced = false
}

// Close implements [vad.Detector].
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closes++
	return d.CloseErr
}

// Frames returns how many frames were classified.
func (d *Detector) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.FrameLens)
}

var _ vad.Detector = (*Detector)(nil)
