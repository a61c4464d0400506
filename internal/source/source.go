// ABOUTME: Audio source model producing timestamped PCM chunks
// ABOUTME: Anchored by a started-at instant on the owner peer's clock
package source

import (
	"log"
	"sync"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/peer"
)

// Source is a producer of fixed-size timestamped PCM chunks. Chunk i
// has presentation time StartedAt + i*ChunkDurationMs on the owner
// peer's clock. Chunks are produced in index order but may reach a
// sink out of order.
type Source struct {
	ID   string
	Peer *peer.Peer

	mu        sync.Mutex
	name      string
	startedAt float64 // ms, owner peer's clock
	latencyMs float64
	format    audio.Format
	chunkSize int // frames per chunk

	chunks chan audio.Chunk

	nextListener    int
	updateListeners map[int]func()
	closed          bool
}

// Config describes a new source.
type Config struct {
	ID          string
	Name        string
	Peer        *peer.Peer
	Format      audio.Format
	ChunkFrames int
	StartedAt   float64
	LatencyMs   float64
}

// New creates a source. The producer feeds it with Push; consumers
// range over Chunks.
func New(cfg Config) *Source {
	return &Source{
		ID:              cfg.ID,
		Peer:            cfg.Peer,
		name:            cfg.Name,
		startedAt:       cfg.StartedAt,
		latencyMs:       cfg.LatencyMs,
		format:          cfg.Format,
		chunkSize:       cfg.ChunkFrames,
		chunks:          make(chan audio.Chunk, 64),
		updateListeners: make(map[int]func()),
	}
}

// Format returns the PCM format of the stream.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// ChunkFrames returns the fixed per-chunk frame count.
func (s *Source) ChunkFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkSize
}

// ChunkDurationMs returns the presentation duration of one chunk.
func (s *Source) ChunkDurationMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.chunkSize) / float64(s.format.SampleRate) * 1000
}

// StartedAt returns the stream anchor on the owner peer's clock.
func (s *Source) StartedAt() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LatencyMs returns the per-source playback latency.
func (s *Source) LatencyMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyMs
}

// Name returns the human-readable source name.
func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetStartedAt moves the stream anchor and notifies watchers.
func (s *Source) SetStartedAt(ms float64) {
	s.mu.Lock()
	s.startedAt = ms
	s.mu.Unlock()
	s.emitUpdate()
}

// SetLatencyMs changes the source latency and notifies watchers.
func (s *Source) SetLatencyMs(ms float64) {
	s.mu.Lock()
	s.latencyMs = ms
	s.mu.Unlock()
	s.emitUpdate()
}

// OnUpdate registers a listener for source parameter changes.
func (s *Source) OnUpdate(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.updateListeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.updateListeners, id)
	}
}

func (s *Source) emitUpdate() {
	s.mu.Lock()
	listeners := make([]func(), 0, len(s.updateListeners))
	for _, fn := range s.updateListeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Chunks is the stream of produced chunks.
func (s *Source) Chunks() <-chan audio.Chunk {
	return s.chunks
}

// Push hands one chunk to consumers. Slow consumers cost the stream
// its oldest chunks rather than stalling the producer.
func (s *Source) Push(c audio.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.chunks <- c:
	default:
		select {
		case dropped := <-s.chunks:
			log.Printf("Source %s: consumer lagging, dropped chunk %d", s.ID, dropped.Index)
		default:
		}
		select {
		case s.chunks <- c:
		default:
		}
	}
}

// Close ends the stream. Consumers observe the channel closing.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.updateListeners = make(map[int]func())
	close(s.chunks)
	s.mu.Unlock()
}
