// ABOUTME: Sink orchestration binding a source to an output device
// ABOUTME: Drives start/stop, availability polling and volume fan-out
package sink

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/source"
)

// availabilityPollInterval is the cadence at which the device is
// re-probed. An unavailable device is a state, not an error.
const availabilityPollInterval = 5 * time.Second

// Binding records an active source-to-sink pipe.
type Binding struct {
	SourceID  string
	SinkID    string
	StartedAt float64
	LatencyMs float64
}

// Sink renders one source to a local output device.
type Sink struct {
	ID   string
	Name string

	mu        sync.Mutex
	output    *Output
	sched     *Scheduler
	src       *source.Source
	available bool
	cancel    context.CancelFunc

	// probe is swapped in tests; the default asks the output device.
	probe func() bool

	nextListener    int
	volumeListeners map[int]func(volume int, muted bool)
}

// NewSink creates a sink around a fresh output device.
func NewSink(id, name string) *Sink {
	s := &Sink{
		ID:              id,
		Name:            name,
		output:          NewOutput(),
		available:       true,
		volumeListeners: make(map[int]func(int, bool)),
	}
	s.probe = s.output.Ready
	return s
}

// BindSource pipes a source into this sink: waits for the owner
// peer's time sync, acquires the device at the source format, and
// starts the synchronized scheduler and the pull stream.
func (k *Sink) BindSource(ctx context.Context, src *source.Source) error {
	k.mu.Lock()
	if k.src != nil {
		k.mu.Unlock()
		return fmt.Errorf("sink %s already bound to source %s", k.ID, k.src.ID)
	}
	k.src = src
	k.mu.Unlock()

	sched := NewScheduler(src, DefaultMaxLatencyMs)
	if err := sched.Start(ctx); err != nil {
		k.clearBinding()
		return err
	}

	if err := k.output.Initialize(src.Format()); err != nil {
		sched.Stop()
		k.clearBinding()
		return err
	}

	reader := newStreamReader(sched.Buffer(), sched.Delay(), k.output, src.Format())
	if err := k.output.StartStream(reader); err != nil {
		sched.Stop()
		k.output.Close()
		k.clearBinding()
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)

	k.mu.Lock()
	k.sched = sched
	k.cancel = cancel
	k.mu.Unlock()

	go k.pollAvailability(pollCtx)

	log.Printf("Sink %s: bound source %s (%s)", k.ID, src.ID, src.Name())
	return nil
}

func (k *Sink) clearBinding() {
	k.mu.Lock()
	k.src = nil
	k.mu.Unlock()
}

// UnbindSource stops playback and releases the device.
func (k *Sink) UnbindSource() {
	k.mu.Lock()
	sched := k.sched
	cancel := k.cancel
	k.sched = nil
	k.cancel = nil
	src := k.src
	k.src = nil
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.Stop()
	}
	k.output.Close()

	if src != nil {
		log.Printf("Sink %s: unbound source %s", k.ID, src.ID)
	}
}

// CurrentBinding returns the active binding, if any.
func (k *Sink) CurrentBinding() (Binding, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.src == nil {
		return Binding{}, false
	}
	return Binding{
		SourceID:  k.src.ID,
		SinkID:    k.ID,
		StartedAt: k.src.StartedAt(),
		LatencyMs: k.src.LatencyMs(),
	}, true
}

// pollAvailability re-probes the device on a fixed cadence.
func (k *Sink) pollAvailability(ctx context.Context) {
	ticker := time.NewTicker(availabilityPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := k.probe()
			k.mu.Lock()
			changed := ok != k.available
			k.available = ok
			k.mu.Unlock()
			if changed {
				log.Printf("Sink %s: available=%v (at %.0fms)", k.ID, ok, clock.Now())
			}
		}
	}
}

// Available reports the last probed device state.
func (k *Sink) Available() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.available
}

// SetVolume applies volume to the device and re-emits it to watchers.
func (k *Sink) SetVolume(volume int) {
	k.output.SetVolume(volume)
	k.emitVolume()
}

// SetMuted applies mute to the device and re-emits it to watchers.
func (k *Sink) SetMuted(muted bool) {
	k.output.SetMuted(muted)
	k.emitVolume()
}

// Volume returns the device volume.
func (k *Sink) Volume() int {
	return k.output.Volume()
}

// OnVolumeChange registers a listener for volume/mute changes.
func (k *Sink) OnVolumeChange(fn func(volume int, muted bool)) func() {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextListener
	k.nextListener++
	k.volumeListeners[id] = fn
	return func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		delete(k.volumeListeners, id)
	}
}

func (k *Sink) emitVolume() {
	k.mu.Lock()
	listeners := make([]func(int, bool), 0, len(k.volumeListeners))
	for _, fn := range k.volumeListeners {
		listeners = append(listeners, fn)
	}
	volume := k.output.Volume()
	muted := k.output.Muted()
	k.mu.Unlock()

	for _, fn := range listeners {
		fn(volume, muted)
	}
}
