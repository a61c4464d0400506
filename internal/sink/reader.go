// ABOUTME: Real-time pull reader feeding the output device
// ABOUTME: Reads the shared sample buffer at wall-clock-aligned offsets
package sink

import (
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/audio"
	"github.com/Soundmesh-Protocol/soundmesh-go/internal/clock"
)

// resyncThresholdMs is the phase error at which the reader abandons
// sequential reading and jumps to the clock-derived position.
const resyncThresholdMs = 50

// streamReader is the audio callback: the device driver pulls from it
// on a real-time goroutine. It only touches the shared sample buffer,
// the atomic delay scalar and the output's atomic gain. No locks, no
// allocation beyond the scratch slice reused across calls.
type streamReader struct {
	buf    *audio.SampleBuffer
	delay  *audio.DelayMs
	out    *Output
	format audio.Format

	frame   int64 // next absolute frame to read
	started bool
	scratch []float32
}

func newStreamReader(buf *audio.SampleBuffer, delay *audio.DelayMs, out *Output, format audio.Format) *streamReader {
	return &streamReader{buf: buf, delay: delay, out: out, format: format}
}

// targetFrame converts the shared delay scalar into the absolute frame
// whose presentation instant is the current local time.
func (r *streamReader) targetFrame() int64 {
	streamMs := clock.Now() + r.delay.Load()
	return int64(streamMs * float64(r.format.SampleRate) / 1000)
}

func (r *streamReader) Read(p []byte) (int, error) {
	channels := r.format.Channels
	frames := len(p) / (4 * channels)
	if frames == 0 {
		return 0, nil
	}

	target := r.targetFrame()

	// The device clock and the system clock drift sub-millisecond per
	// tick; sequential reads absorb that. A larger phase error (delta
	// update, source reanchor, underrun) forces a jump.
	thresholdFrames := int64(resyncThresholdMs * r.format.SampleRate / 1000)
	if !r.started || abs64(target-r.frame) > thresholdFrames {
		r.frame = target
		r.started = true
	}

	if r.frame+int64(frames) <= 0 {
		// Before stream start: emit silence without consuming.
		zero(p[:frames*channels*4])
		r.frame += int64(frames)
		return frames * channels * 4, nil
	}

	count := frames * channels
	if cap(r.scratch) < count {
		r.scratch = make([]float32, count)
	}
	window := r.scratch[:count]

	offset := r.frame * int64(channels)
	r.buf.Read(offset, window)
	r.buf.Clear(offset, count)

	gain := r.out.gain()
	for i, v := range window {
		writeSample(p[i*4:], v*gain)
	}

	r.frame += int64(frames)
	return count * 4, nil
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
