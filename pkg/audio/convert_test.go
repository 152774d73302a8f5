package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/types"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func samplesOf(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestFormat(t *testing.T) {
	tests := []struct {
		f        audio.Format
		str      string
		per40ms  int
		duration time.Duration // of 3200 bytes
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono", 1280, 100 * time.Millisecond},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo", 7680, time.Second * 800 / 48000},
		{audio.Format{SampleRate: 8000, Channels: 4}, "8000Hz 4ch", 2560, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			if got := tt.f.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
			if got := tt.f.BytesFor(40 * time.Millisecond); got != tt.per40ms {
				t.Errorf("BytesFor(40ms) = %d, want %d", got, tt.per40ms)
			}
			if got := tt.f.Duration(3200); got != tt.duration {
				t.Errorf("Duration(3200) = %v, want %v", got, tt.duration)
			}
		})
	}
	if d := (audio.Format{}).Duration(100); d != 0 {
		t.Errorf("zero format Duration = %v, want 0", d)
	}
}

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"stereo average", []int16{100, 200, -50, 50}, 2, []int16{150, 0}},
		{"no overflow at the rails", []int16{32767, 32767, -32768, -32768}, 2, []int16{32767, -32768}},
		{"four channels", []int16{4, 8, 12, 16}, 4, []int16{10}},
		{"mono untouched", []int16{1, 2, 3}, 1, []int16{1, 2, 3}},
		{"partial frame dropped", []int16{10, 20, 30}, 2, []int16{15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := samplesOf(audio.Downmix(pcm16(tt.in...), tt.channels)); !slices.Equal(got, tt.want) {
				t.Errorf("Downmix = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpmix(t *testing.T) {
	got := samplesOf(audio.Upmix(pcm16(100, -200, 300), 2))
	if want := []int16{100, 100, -200, -200, 300, 300}; !slices.Equal(got, want) {
		t.Errorf("Upmix stereo = %v, want %v", got, want)
	}
	got = samplesOf(audio.Upmix(pcm16(7), 3))
	if want := []int16{7, 7, 7}; !slices.Equal(got, want) {
		t.Errorf("Upmix 3ch = %v, want %v", got, want)
	}
	if out := audio.Upmix([]byte{1, 2, 3}, 2); len(out) != 4 {
		t.Errorf("odd input: len = %d, want 4 (trailing byte ignored)", len(out))
	}
}

func TestResample16(t *testing.T) {
	t.Run("same rate is identity", func(t *testing.T) {
		in := pcm16(1, 2, 3)
		if out := audio.Resample16(in, 1, 16000, 16000); &out[0] != &in[0] {
			t.Error("expected the input slice back")
		}
	})

	t.Run("invalid rates are identity", func(t *testing.T) {
		in := pcm16(1, 2)
		for _, r := range [][2]int{{0, 16000}, {16000, 0}, {-1, 8000}} {
			if out := audio.Resample16(in, 1, r[0], r[1]); len(out) != len(in) {
				t.Errorf("rates %v: len = %d, want %d", r, len(out), len(in))
			}
		}
	})

	t.Run("mono upsample interpolates", func(t *testing.T) {
		got := samplesOf(audio.Resample16(pcm16(0, 1000), 1, 8000, 16000))
		want := []int16{0, 500, 1000, 1000}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("mono downsample halves the length", func(t *testing.T) {
		in := make([]int16, 480)
		if got := len(audio.Resample16(pcm16(in...), 1, 48000, 16000)); got != 160*2 {
			t.Errorf("len = %d bytes, want 320", got)
		}
	})

	t.Run("stereo keeps channels apart", func(t *testing.T) {
		got := samplesOf(audio.Resample16(pcm16(0, 100, 1000, 100), 2, 8000, 16000))
		want := []int16{0, 100, 500, 100, 1000, 100, 1000, 100}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})
}

func TestFormatConverter(t *testing.T) {
	ts := 3 * time.Second
	tests := []struct {
		name     string
		target   audio.Format
		in       types.AudioFrame
		wantFmt  audio.Format
		wantLen  int
		wantData []int16
	}{
		{
			name:     "matching format passes through",
			target:   audio.Format{SampleRate: 16000, Channels: 1},
			in:       types.AudioFrame{Data: pcm16(1, 2), SampleRate: 16000, Channels: 1, Timestamp: ts},
			wantFmt:  audio.Format{SampleRate: 16000, Channels: 1},
			wantData: []int16{1, 2},
		},
		{
			name:     "mono to stereo",
			target:   audio.Format{SampleRate: 16000, Channels: 2},
			in:       types.AudioFrame{Data: pcm16(5, 6), SampleRate: 16000, Channels: 1, Timestamp: ts},
			wantFmt:  audio.Format{SampleRate: 16000, Channels: 2},
			wantData: []int16{5, 5, 6, 6},
		},
		{
			name:    "48k stereo to 16k mono",
			target:  audio.Format{SampleRate: 16000, Channels: 1},
			in:      types.AudioFrame{Data: make([]byte, 960*4), SampleRate: 48000, Channels: 2, Timestamp: ts},
			wantFmt: audio.Format{SampleRate: 16000, Channels: 1},
			wantLen: 320 * 2,
		},
		{
			name:    "24k mono to 48k stereo",
			target:  audio.Format{SampleRate: 48000, Channels: 2},
			in:      types.AudioFrame{Data: make([]byte, 480*2), SampleRate: 24000, Channels: 1, Timestamp: ts},
			wantFmt: audio.Format{SampleRate: 48000, Channels: 2},
			wantLen: 960 * 4,
		},
		{
			name:    "torn sample drops the frame",
			target:  audio.Format{SampleRate: 16000, Channels: 1},
			in:      types.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1, Timestamp: ts},
			wantFmt: audio.Format{SampleRate: 16000, Channels: 1},
			wantLen: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &audio.FormatConverter{Target: tt.target}
			out := c.Convert(tt.in)
			if got := audio.FormatOf(out); got != tt.wantFmt {
				t.Errorf("format = %v, want %v", got, tt.wantFmt)
			}
			if out.Timestamp != ts {
				t.Errorf("timestamp = %v, want %v", out.Timestamp, ts)
			}
			if tt.wantData != nil {
				if got := samplesOf(out.Data); !slices.Equal(got, tt.wantData) {
					t.Errorf("data = %v, want %v", got, tt.wantData)
				}
				return
			}
			if len(out.Data) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(out.Data), tt.wantLen)
			}
		})
	}
}
