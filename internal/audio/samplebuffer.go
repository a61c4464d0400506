// ABOUTME: Shared circular PCM buffer between feeder and audio callback
// ABOUTME: Single-producer single-consumer, addressed by absolute offsets
package audio

// SampleBuffer is a wraparound PCM store shared between the sink
// scheduler (producer) and the audio callback (consumer). It carries
// no head or tail pointer: both sides address it with absolute logical
// offsets reduced modulo the buffer length. Correctness relies on the
// producer writing strictly into the future relative to the consumer's
// read position, so the two never touch the same region concurrently
// and no locking is needed. The consumer clears each window it has
// read so that stale samples are not replayed when the producer skips
// a region (silence is the absence of a write).
type SampleBuffer struct {
	data []float32
}

// NewSampleBuffer allocates a buffer covering maxLatencyMs of audio:
// floor(maxLatencyMs * sampleRate / 1000) * channels samples.
func NewSampleBuffer(maxLatencyMs, sampleRate, channels int) *SampleBuffer {
	frames := maxLatencyMs * sampleRate / 1000
	return &SampleBuffer{
		data: make([]float32, frames*channels),
	}
}

// Len returns the buffer length in samples.
func (b *SampleBuffer) Len() int {
	return len(b.data)
}

func (b *SampleBuffer) index(offset int64) int {
	n := int64(len(b.data))
	i := offset % n
	if i < 0 {
		i += n
	}
	return int(i)
}

// Write copies samples into the buffer starting at logical offset.
// Producer side only.
func (b *SampleBuffer) Write(offset int64, samples []float32) {
	i := b.index(offset)
	n := copy(b.data[i:], samples)
	if n < len(samples) {
		copy(b.data, samples[n:])
	}
}

// Read copies len(dst) samples starting at logical offset into dst.
// Consumer side only.
func (b *SampleBuffer) Read(offset int64, dst []float32) {
	i := b.index(offset)
	n := copy(dst, b.data[i:])
	if n < len(dst) {
		copy(dst[n:], b.data)
	}
}

// Clear zeroes count samples starting at logical offset. The consumer
// calls this on each window it has finished reading.
func (b *SampleBuffer) Clear(offset int64, count int) {
	i := b.index(offset)
	for k := 0; k < count; k++ {
		j := i + k
		if j >= len(b.data) {
			j -= len(b.data)
		}
		b.data[j] = 0
	}
}
