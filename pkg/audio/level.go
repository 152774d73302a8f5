package audio

import "math"

// Float32 converts PCM to samples scaled into [-1, 1). A trailing odd byte
// is ignored.
func Float32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = float32(sample(pcm, i)) / 32768
	}
	return out
}

// RMS returns the root-mean-square level of PCM in raw sample units
// (0 to 32768). Empty input has level 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sample(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
