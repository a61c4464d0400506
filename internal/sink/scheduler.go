// ABOUTME: Synchronized playback scheduler for one source/sink binding
// ABOUTME: Feeds the shared buffer and keeps the delay scalar current
package sink

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/source"
)

const (
	// DefaultMaxLatencyMs bounds the shared sample buffer: the sink
	// can absorb at most this much scheduling slack.
	DefaultMaxLatencyMs = 5000

	// resyncInterval is the steady-state cadence at which the delay
	// scalar is refreshed between event-driven resyncs.
	resyncInterval = time.Second
)

// SchedulerStats tracks scheduler activity.
type SchedulerStats struct {
	ChunksWritten int64
	Resyncs       int64
}

// Scheduler pulls chunks from a source into the shared circular
// buffer at offsets derived from their index, and maintains the
// delay_from_local_now scalar the audio callback aligns against:
//
//	delay = peer.CurrentTime(precise) - startedAt - latency - now
//
// Resyncs run on a 1Hz tick, on every committed time-delta change of
// the source's peer, and on source parameter updates.
type Scheduler struct {
	src          *source.Source
	buf          *audio.SampleBuffer
	delay        *audio.DelayMs
	maxLatencyMs int

	mu      sync.Mutex
	stats   SchedulerStats
	removes []func()
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a scheduler for the given source.
func NewScheduler(src *source.Source, maxLatencyMs int) *Scheduler {
	if maxLatencyMs <= 0 {
		maxLatencyMs = DefaultMaxLatencyMs
	}
	return &Scheduler{
		src:          src,
		delay:        &audio.DelayMs{},
		maxLatencyMs: maxLatencyMs,
	}
}

// peerTime reads the source owner's estimated clock. A source without
// a peer is local, whose delta is zero by construction.
func (s *Scheduler) peerTime(precise bool) float64 {
	if s.src.Peer == nil {
		return clock.Now()
	}
	return s.src.Peer.CurrentTime(precise)
}

// Start waits for the owner peer's first time sync, allocates the
// shared buffer and spawns the feed and resync loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	s.mu.Unlock()

	if s.src.Peer != nil {
		if err := s.src.Peer.WaitForFirstTimeSync(ctx); err != nil {
			return fmt.Errorf("wait for time sync: %w", err)
		}
	}

	format := s.src.Format()
	s.buf = audio.NewSampleBuffer(s.maxLatencyMs, format.SampleRate, format.Channels)

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	if s.src.Peer != nil {
		s.removes = append(s.removes, s.src.Peer.OnTimedeltaUpdated(func(float64) {
			s.Resync()
		}))
	}
	s.removes = append(s.removes, s.src.OnUpdate(s.Resync))
	s.mu.Unlock()

	s.Resync()

	go s.feedLoop(runCtx)
	go s.tickLoop(runCtx)

	return nil
}

// feedLoop copies arriving chunks into the buffer at their absolute
// stream offsets. Out-of-order arrival lands each chunk in its own
// slot regardless.
func (s *Scheduler) feedLoop(ctx context.Context) {
	format := s.src.Format()
	chunkFrames := s.src.ChunkFrames()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-s.src.Chunks():
			if !ok {
				return
			}
			offset := chunk.Index * int64(chunkFrames) * int64(format.Channels)
			s.buf.Write(offset, chunk.Samples)

			s.mu.Lock()
			s.stats.ChunksWritten++
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Resync()
		}
	}
}

// Resync recomputes the delay scalar from the current clock estimate.
func (s *Scheduler) Resync() {
	delay := s.peerTime(true) - s.src.StartedAt() - s.src.LatencyMs() - clock.Now()
	s.delay.Store(delay)

	s.mu.Lock()
	s.stats.Resyncs++
	s.mu.Unlock()
}

// Buffer exposes the shared sample buffer for the output reader.
func (s *Scheduler) Buffer() *audio.SampleBuffer {
	return s.buf
}

// Delay exposes the shared delay scalar for the output reader.
func (s *Scheduler) Delay() *audio.DelayMs {
	return s.delay
}

// Stats returns a copy of the scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Stop detaches listeners and halts the loops. The buffer is released
// with the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	removes := s.removes
	s.removes = nil
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	for _, remove := range removes {
		remove()
	}
	if cancel != nil {
		cancel()
	}
	log.Printf("Scheduler for source %s stopped", s.src.ID)
}
