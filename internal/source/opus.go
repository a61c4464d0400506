// ABOUTME: Opus codec wrappers for chunk transport between peers
// ABOUTME: Wraps libopus float32 encode/decode at the stream chunk size
package source

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const (
	// OpusEncoderRate is the sample rate chunks are encoded at.
	OpusEncoderRate = 48000

	// OpusChunkFrames is the fixed frame count per chunk: 10ms at 48kHz.
	OpusChunkFrames = 480

	// maxOpusPacket bounds one encoded packet.
	maxOpusPacket = 4000
)

// OpusEncoder encodes float32 PCM chunks for the wire.
type OpusEncoder struct {
	enc      *opus.Encoder
	channels int
}

// NewOpusEncoder creates an encoder for the given channel count at the
// fixed encoder rate, tuned for music.
func NewOpusEncoder(channels int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(OpusEncoderRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(64000 * channels); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}
	return &OpusEncoder{enc: enc, channels: channels}, nil
}

// Encode compresses one chunk of interleaved float32 PCM.
func (e *OpusEncoder) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != OpusChunkFrames*e.channels {
		return nil, fmt.Errorf("opus encode: expected %d samples, got %d",
			OpusChunkFrames*e.channels, len(pcm))
	}
	out := make([]byte, maxOpusPacket)
	n, err := e.enc.EncodeFloat32(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return out[:n], nil
}

// OpusDecoder decodes wire packets back to float32 PCM chunks.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
}

// NewOpusDecoder creates a decoder for the given channel count.
func NewOpusDecoder(channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(OpusEncoderRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: channels}, nil
}

// Decode expands one packet into a full chunk of interleaved PCM.
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	pcm := make([]float32, OpusChunkFrames*d.channels)
	n, err := d.dec.DecodeFloat32(packet, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm[:n*d.channels], nil
}
