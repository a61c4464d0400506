// ABOUTME: Audio output device using the oto library
// ABOUTME: Pull-style playback with software volume control
package sink

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/ebitengine/oto/v3"
)

// Output manages one output device. The oto player pulls samples from
// an io.Reader on its own real-time goroutine; everything that reader
// touches is lock-free.
type Output struct {
	mu     sync.Mutex
	otoCtx *oto.Context
	player *oto.Player
	format audio.Format
	ready  bool

	// volumeMilli is volume*10 (0-1000); while muted is set the gain
	// is 0. Both are read by the audio callback.
	volumeMilli atomic.Int32
	muted       atomic.Bool
}

// NewOutput creates an output at full volume.
func NewOutput() *Output {
	o := &Output{}
	o.volumeMilli.Store(1000)
	return o
}

// Initialize acquires the device at the given stream format.
func (o *Output) Initialize(format audio.Format) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ready {
		return fmt.Errorf("output already initialized")
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatFloat32LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.format = format
	o.ready = true

	log.Printf("Audio output initialized: %dHz, %d channels",
		format.SampleRate, format.Channels)
	return nil
}

// StartStream hands the device a pull reader and starts playback.
func (o *Output) StartStream(r io.Reader) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.ready {
		return fmt.Errorf("output not initialized")
	}
	o.player = o.otoCtx.NewPlayer(r)
	o.player.Play()
	return nil
}

// StopStream pauses and releases the current player.
func (o *Output) StopStream() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.player != nil {
		o.player.Pause()
		o.player.Close()
		o.player = nil
	}
}

// Close releases the device.
func (o *Output) Close() {
	o.StopStream()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
		o.ready = false
	}
}

// Ready reports whether the device has been acquired.
func (o *Output) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// SetVolume sets the software volume (0-100).
func (o *Output) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	o.volumeMilli.Store(int32(volume * 10))
	log.Printf("Volume set to %d", volume)
}

// Volume returns the software volume (0-100).
func (o *Output) Volume() int {
	return int(o.volumeMilli.Load() / 10)
}

// SetMuted sets the mute state.
func (o *Output) SetMuted(muted bool) {
	o.muted.Store(muted)
	log.Printf("Muted: %v", muted)
}

// Muted returns the mute state.
func (o *Output) Muted() bool {
	return o.muted.Load()
}

// gain returns the multiplier the callback applies to each sample.
func (o *Output) gain() float32 {
	if o.muted.Load() {
		return 0
	}
	return float32(o.volumeMilli.Load()) / 1000
}

// writeSample encodes one gained sample as float32 LE.
func writeSample(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}
