// Package audio provides PCM helpers shared by the gateway and the speech
// providers: sample-rate and channel conversion, WAV framing, and the Opus
// codec used when a client negotiates compressed audio.
//
// All PCM in this package is signed 16-bit little-endian, interleaved.
package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/types"
)

const bytesPerSample = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatOf returns the format of frame.
func FormatOf(frame types.AudioFrame) Format {
	return Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
}

// String renders f as e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FrameSize is the number of bytes in one sample across all channels.
func (f Format) FrameSize() int { return f.Channels * bytesPerSample }

// BytesFor returns the byte length of d worth of audio, rounded down to a
// whole frame.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.FrameSize()
}

// Duration returns the playing time of n bytes of PCM.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// FormatConverter converts frames of any format to Target. Create one per
// stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnOdd      sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. A frame with a torn sample (odd byte count) is
// dropped: the result carries no data.
//
// Downmixing happens before resampling and upmixing after it, so the
// resampler always works on the smaller channel count.
func (c *FormatConverter) Convert(frame types.AudioFrame) types.AudioFrame {
	out := types.AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	if len(frame.Data)%bytesPerSample != 0 {
		c.warnOdd.Do(func() {
			slog.Warn("audio: dropping frame with torn sample", "bytes", len(frame.Data), "format", FormatOf(frame))
		})
		return out
	}
	src := FormatOf(frame)
	if src == c.Target {
		return frame
	}
	c.warnMismatch.Do(func() {
		slog.Debug("audio: converting stream", "from", src, "to", c.Target)
	})

	pcm, ch := frame.Data, src.Channels
	if ch > c.Target.Channels {
		pcm, ch = Downmix(pcm, ch), 1
	}
	pcm = Resample16(pcm, ch, src.SampleRate, c.Target.SampleRate)
	if ch < c.Target.Channels {
		pcm = Upmix(pcm, c.Target.Channels)
	}
	out.Data = pcm
	return out
}

func sample(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
}

func putSample(pcm []byte, i int, v int32) {
	v = max(-32768, min(32767, v))
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(v)))
}

// Downmix averages the channels of interleaved PCM into mono.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (channels * bytesPerSample)
	out := make([]byte, frames*bytesPerSample)
	for f := range frames {
		var sum int32
		for c := range channels {
			sum += sample(pcm, f*channels+c)
		}
		putSample(out, f, sum/int32(channels))
	}
	return out
}

// Upmix copies every mono sample into each of channels outputs.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / bytesPerSample
	out := make([]byte, n*channels*bytesPerSample)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for c := range channels {
			j := (i*channels + c) * bytesPerSample
			out[j], out[j+1] = lo, hi
		}
	}
	return out
}

// Resample16 converts interleaved PCM with the given channel count from
// srcRate to dstRate by linear interpolation. Invalid rates and equal rates
// return pcm unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * bytesPerSample)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*bytesPerSample)
	step := float64(srcRate) / float64(dstRate)
	for f := range dstFrames {
		pos := float64(f) * step
		i := int(pos)
		frac := pos - float64(i)
		next := min(i+1, srcFrames-1)
		for c := range channels {
			s0 := float64(sample(pcm, i*channels+c))
			s1 := float64(sample(pcm, next*channels+c))
			putSample(out, f*channels+c, int32(s0+(s1-s0)*frac))
		}
	}
	return out
}
