// ABOUTME: Tests for the synchronized sink scheduler
// ABOUTME: Covers the delay formula, chunk placement and resync hooks
package sink

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/source"
)

func newLocalSource(startedAt, latency float64) *source.Source {
	return source.New(source.Config{
		ID:          "src-test",
		Name:        "test",
		Format:      audio.Format{SampleRate: 48000, Channels: 2},
		ChunkFrames: 480,
		StartedAt:   startedAt,
		LatencyMs:   latency,
	})
}

func TestDelayFormulaAfterResync(t *testing.T) {
	// For a local source the peer clock IS the local clock, so the
	// formula collapses to -(startedAt + latency).
	src := newLocalSource(1500, 250)
	s := NewScheduler(src, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	got := s.Delay().Load()
	want := -(1500.0 + 250.0)
	if math.Abs(got-want) > 5 {
		t.Errorf("expected delay ~%f, got %f", want, got)
	}
}

func TestChunksLandAtIndexDerivedOffsets(t *testing.T) {
	src := newLocalSource(0, 0)
	s := NewScheduler(src, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	chunkSamples := 480 * 2
	mk := func(index int64, v float32) audio.Chunk {
		samples := make([]float32, chunkSamples)
		for i := range samples {
			samples[i] = v
		}
		return audio.Chunk{Index: index, Samples: samples}
	}

	// Out-of-order arrival: each chunk still lands in its own slot.
	src.Push(mk(2, 0.2))
	src.Push(mk(0, 0.5))

	deadline := time.After(2 * time.Second)
	for s.Stats().ChunksWritten < 2 {
		select {
		case <-deadline:
			t.Fatal("chunks never written")
		case <-time.After(5 * time.Millisecond):
		}
	}

	dst := make([]float32, 1)
	s.Buffer().Read(0, dst)
	if dst[0] != 0.5 {
		t.Errorf("chunk 0 sample: expected 0.5, got %f", dst[0])
	}
	s.Buffer().Read(int64(2*chunkSamples), dst)
	if dst[0] != 0.2 {
		t.Errorf("chunk 2 sample: expected 0.2, got %f", dst[0])
	}
	s.Buffer().Read(int64(chunkSamples), dst)
	if dst[0] != 0 {
		t.Errorf("unwritten chunk 1 region: expected 0, got %f", dst[0])
	}
}

func TestSourceUpdateTriggersResync(t *testing.T) {
	src := newLocalSource(1000, 100)
	s := NewScheduler(src, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	before := s.Delay().Load()
	src.SetLatencyMs(600)

	deadline := time.After(2 * time.Second)
	for {
		after := s.Delay().Load()
		if math.Abs((before-after)-500) < 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delay never tracked latency change: before=%f after=%f", before, after)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopDetachesListeners(t *testing.T) {
	src := newLocalSource(0, 0)
	s := NewScheduler(src, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	s.Stop()

	resyncs := s.Stats().Resyncs
	src.SetLatencyMs(999)
	time.Sleep(20 * time.Millisecond)
	if got := s.Stats().Resyncs; got != resyncs {
		t.Errorf("resync fired after Stop: %d -> %d", resyncs, got)
	}
}

func TestDoubleStartFails(t *testing.T) {
	src := newLocalSource(0, 0)
	s := NewScheduler(src, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	defer s.Stop()

	if err := s.Start(ctx); err == nil {
		t.Error("expected second Start to fail")
	}
}
