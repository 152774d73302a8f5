// Package vad is the voice activity detection contract used by the speech
// gate. An [Engine] hands out one [Detector] per audio stream; the detector
// keeps whatever history it needs and classifies fixed-length PCM frames.
//
// Detectors are called inline on the session's audio path and must not
// block. A Detector belongs to one stream and need not be safe for
// concurrent use; an Engine must be.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// ErrFrameSize is returned by [Detector.Classify] for a frame that is not
// exactly [Params.FrameLen] bytes.
var ErrFrameSize = errors.New("vad: frame size mismatch")

// Params configures a detector. Enter and Exit form a hysteresis band on
// the speech probability: a stream becomes voiced at or above Enter and
// unvoiced again below Exit, so Exit must not exceed Enter.
type Params struct {
	SampleRate int // mono 16-bit PCM
	FrameMs    int
	Enter      float64
	Exit       float64
}

// FrameLen is the byte length of one frame.
func (p Params) FrameLen() int {
	f := audio.Format{SampleRate: p.SampleRate, Channels: 1}
	return f.BytesFor(time.Duration(p.FrameMs) * time.Millisecond)
}

// Validate reports parameters no detector can work with.
func (p Params) Validate() error {
	switch {
	case p.SampleRate <= 0:
		return fmt.Errorf("vad: sample rate must be positive, got %d", p.SampleRate)
	case p.FrameMs <= 0:
		return fmt.Errorf("vad: frame length must be positive, got %dms", p.FrameMs)
	case p.Enter <= 0 || p.Enter > 1:
		return fmt.Errorf("vad: enter threshold %v out of range (0,1]", p.Enter)
	case p.Exit < 0 || p.Exit > p.Enter:
		return fmt.Errorf("vad: exit threshold %v must be in [0, %v]", p.Exit, p.Enter)
	}
	return nil
}

// Kind is the classification of one frame relative to the previous one.
type Kind int

const (
	Silence Kind = iota
	Onset        // first voiced frame
	Speech       // voiced, continuing
	Offset       // first unvoiced frame after speech
)

func (k Kind) String() string {
	switch k {
	case Silence:
		return "silence"
	case Onset:
		return "onset"
	case Speech:
		return "speech"
	case Offset:
		return "offset"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Voiced reports whether the frame carried speech.
func (k Kind) Voiced() bool { return k == Onset || k == Speech }

// Verdict is a detector's answer for one frame.
type Verdict struct {
	Kind        Kind
	Probability float64 // in [0,1]
}

// Detector classifies the frames of a single stream.
type Detector interface {
	// Classify inspects one frame of Params.FrameLen bytes.
	Classify(frame []byte) (Verdict, error)

	// Reset forgets accumulated history, e.g. after the client interrupts.
	Reset()

	// Close releases the detector. Further Close calls return nil.
	Close() error
}

// Engine creates detectors.
type Engine interface {
	NewDetector(p Params) (Detector, error)
}
