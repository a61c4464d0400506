// ABOUTME: Test tone source producing a 440Hz sine chunk stream
// ABOUTME: Paces chunk production against the wall clock
package source

import (
	"context"
	"math"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/peer"
	"github.com/google/uuid"
)

// StartTestTone creates a local source that emits a 440Hz sine wave in
// fixed-size chunks, paced in real time. Useful for verifying a sync
// chain end to end without a capture device.
func StartTestTone(ctx context.Context, owner *peer.Peer, format audio.Format) *Source {
	if format.SampleRate == 0 {
		format.SampleRate = OpusEncoderRate
	}
	if format.Channels == 0 {
		format.Channels = 2
	}

	s := New(Config{
		ID:          uuid.NewString(),
		Name:        "Test Tone",
		Peer:        owner,
		Format:      format,
		ChunkFrames: OpusChunkFrames,
		StartedAt:   clock.Now(),
		LatencyMs:   0,
	})

	go func() {
		defer s.Close()

		const frequency = 440.0
		chunkDur := time.Duration(float64(OpusChunkFrames) / float64(format.SampleRate) * float64(time.Second))
		ticker := time.NewTicker(chunkDur)
		defer ticker.Stop()

		var index int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			samples := make([]float32, OpusChunkFrames*format.Channels)
			base := index * OpusChunkFrames
			for i := 0; i < OpusChunkFrames; i++ {
				t := float64(base+int64(i)) / float64(format.SampleRate)
				// Half amplitude to avoid clipping on summed outputs.
				v := float32(math.Sin(2*math.Pi*frequency*t) * 0.5)
				for ch := 0; ch < format.Channels; ch++ {
					samples[i*format.Channels+ch] = v
				}
			}

			s.Push(audio.Chunk{Index: index, Samples: samples})
			index++
		}
	}()

	return s
}
