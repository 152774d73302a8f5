package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus streams are exchanged at 48 kHz in 20 ms packets.
const (
	OpusSampleRate  = 48000
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per packet.
	opusFrameSize = OpusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusCodec decodes client Opus packets to PCM and encodes synthesized PCM
// back into packets. Decoder and encoder state is per stream, so each session
// owns one codec. Not safe for concurrent use; the read path calls Decode and
// the write path calls Encode, which touch disjoint state.
type OpusCodec struct {
	channels int
	dec      *gopus.Decoder
	enc      *gopus.Encoder

	// pending holds PCM shorter than one packet until the next Encode.
	pending []byte
}

// NewOpusCodec creates a codec for mono or stereo 48 kHz audio.
func NewOpusCodec(channels int) (*OpusCodec, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: opus supports 1 or 2 channels, got %d", channels)
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(OpusSampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusCodec{channels: channels, dec: dec, enc: enc}, nil
}

// Decode decodes one Opus packet into interleaved 16-bit PCM bytes.
func (c *OpusCodec) Decode(packet []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Encode splits pcm into 20 ms packets. A trailing partial packet is kept and
// prepended to the next call; Flush pads and emits it.
func (c *OpusCodec) Encode(pcm []byte) ([][]byte, error) {
	frameBytes := opusFrameSize * c.channels * 2
	buf := append(c.pending, pcm...)

	var packets [][]byte
	for len(buf) >= frameBytes {
		pkt, err := c.encodeFrame(buf[:frameBytes])
		if err != nil {
			c.pending = nil
			return packets, err
		}
		packets = append(packets, pkt)
		buf = buf[frameBytes:]
	}
	c.pending = append([]byte(nil), buf...)
	return packets, nil
}

// Flush encodes any buffered remainder, zero-padded to a full packet.
func (c *OpusCodec) Flush() ([]byte, error) {
	if len(c.pending) == 0 {
		return nil, nil
	}
	frame := make([]byte, opusFrameSize*c.channels*2)
	copy(frame, c.pending)
	c.pending = nil
	return c.encodeFrame(frame)
}

// Discard drops buffered PCM without encoding it.
func (c *OpusCodec) Discard() { c.pending = nil }

func (c *OpusCodec) encodeFrame(frame []byte) ([]byte, error) {
	pkt, err := c.enc.Encode(bytesToInt16s(frame), opusFrameSize, len(frame))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return pkt, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
