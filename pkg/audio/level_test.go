package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestFloat32(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []float32
	}{
		{"empty", nil, []float32{}},
		{"full scale", pcm16(32767, -32768, 0), []float32{32767.0 / 32768, -1, 0}},
		{"half", pcm16(16384, -16384), []float32{0.5, -0.5}},
		{"odd byte ignored", append(pcm16(16384), 0x7f), []float32{0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.Float32(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("sample %d = %f, want %f", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFloat32_MonoDownmixForRecognizer(t *testing.T) {
	stereo := pcm16(16384, -16384, 32767, 32767)
	got := audio.Float32(audio.Downmix(stereo, 2))
	if len(got) != 2 || got[0] != 0 || math.Abs(float64(got[1])-32767.0/32768) > 1e-6 {
		t.Errorf("got %v", got)
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want float64
	}{
		{"empty", nil, 0},
		{"silence", pcm16(0, 0, 0, 0), 0},
		{"constant", pcm16(1000, -1000, 1000, -1000), 1000},
		{"mixed", pcm16(3000, 4000), math.Sqrt((9e6 + 16e6) / 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.RMS(tt.in); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS = %f, want %f", got, tt.want)
			}
		})
	}
}
