// ABOUTME: File-backed audio sources for MP3 and FLAC
// ABOUTME: Decodes files into the fixed-size timestamped chunk stream
package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/peer"
	"github.com/google/uuid"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// StartFile creates a local source streaming the given audio file in
// real time. The format is chosen by file extension: .mp3 or .flac.
func StartFile(ctx context.Context, owner *peer.Peer, path string) (*Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return startMP3(ctx, owner, path)
	case ".flac":
		return startFLAC(ctx, owner, path)
	default:
		return nil, fmt.Errorf("unsupported audio file %q", path)
	}
}

func startMP3(ctx context.Context, owner *peer.Peer, path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode mp3: %w", err)
	}

	// go-mp3 always yields 16-bit little-endian stereo.
	format := audio.Format{SampleRate: dec.SampleRate(), Channels: 2}
	s := New(Config{
		ID:          uuid.NewString(),
		Name:        filepath.Base(path),
		Peer:        owner,
		Format:      format,
		ChunkFrames: OpusChunkFrames,
		StartedAt:   clock.Now(),
	})

	go func() {
		defer f.Close()
		defer s.Close()
		pumpPCM16(ctx, s, dec, format)
	}()

	return s, nil
}

// pumpPCM16 reads 16-bit LE PCM from r and pushes fixed-size float32
// chunks at the stream's real-time pace.
func pumpPCM16(ctx context.Context, s *Source, r io.Reader, format audio.Format) {
	chunkSamples := OpusChunkFrames * format.Channels
	raw := make([]byte, chunkSamples*2)
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

		if _, err := io.ReadFull(r, raw); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Printf("Source %s: read failed: %v", s.ID, err)
			}
			return
		}

		samples := make([]float32, chunkSamples)
		for i := range samples {
			v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
			samples[i] = float32(v) / 32768
		}

		s.Push(audio.Chunk{Index: index, Samples: samples})
		index++
	}
}

func startFLAC(ctx context.Context, owner *peer.Peer, path string) (*Source, error) {
	stream, err := flac.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flac: %w", err)
	}

	info := stream.Info
	format := audio.Format{SampleRate: int(info.SampleRate), Channels: int(info.NChannels)}
	s := New(Config{
		ID:          uuid.NewString(),
		Name:        filepath.Base(path),
		Peer:        owner,
		Format:      format,
		ChunkFrames: OpusChunkFrames,
		StartedAt:   clock.Now(),
	})

	go func() {
		defer stream.Close()
		defer s.Close()

		scale := float32(int64(1) << (info.BitsPerSample - 1))
		chunkSamples := OpusChunkFrames * format.Channels
		chunkDur := time.Duration(float64(OpusChunkFrames) / float64(format.SampleRate) * float64(time.Second))
		ticker := time.NewTicker(chunkDur)
		defer ticker.Stop()

		pending := make([]float32, 0, chunkSamples*2)
		var index int64
		for {
			// Refill the staging buffer until one chunk is available.
			for len(pending) < chunkSamples {
				frame, err := stream.ParseNext()
				if err != nil {
					if err != io.EOF {
						log.Printf("Source %s: flac parse failed: %v", s.ID, err)
					}
					return
				}
				n := len(frame.Subframes[0].Samples)
				for i := 0; i < n; i++ {
					for ch := 0; ch < format.Channels; ch++ {
						pending = append(pending, float32(frame.Subframes[ch].Samples[i])/scale)
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			chunk := make([]float32, chunkSamples)
			copy(chunk, pending[:chunkSamples])
			pending = pending[:copy(pending, pending[chunkSamples:])]

			s.Push(audio.Chunk{Index: index, Samples: chunk})
			index++
		}
	}()

	return s, nil
}
