package audio

import "sync/atomic"

// Ring is a fixed-capacity single-producer/single-consumer sample queue.
//
// It decouples a hardware audio callback from its paired processing
// goroutine without locks: the producer owns the write index, the consumer
// owns the read index, and each publishes its progress with an atomic store.
// Push never blocks; samples that do not fit are dropped, which surfaces as
// a momentary glitch rather than a stalled callback.
//
// Ring is only safe for exactly one producer and one consumer.
type Ring struct {
	buf   []float32
	read  atomic.Uint64
	write atomic.Uint64
}

// NewRing creates a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float32, capacity)}
}

// Push appends samples, dropping whatever does not fit. Returns the number
// of samples written. Producer side only.
func (r *Ring) Push(samples []float32) int {
	read := r.read.Load()
	write := r.write.Load()

	free := uint64(len(r.buf)) - (write - read)
	n := len(samples)
	if uint64(n) > free {
		n = int(free)
	}
	for i := 0; i < n; i++ {
		r.buf[(write+uint64(i))%uint64(len(r.buf))] = samples[i]
	}
	r.write.Store(write + uint64(n))
	return n
}

// Pop fills out with buffered samples, returning how many were read.
// Consumer side only.
func (r *Ring) Pop(out []float32) int {
	read := r.read.Load()
	write := r.write.Load()

	avail := write - read
	n := len(out)
	if uint64(n) > avail {
		n = int(avail)
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[(read+uint64(i))%uint64(len(r.buf))]
	}
	r.read.Store(read + uint64(n))
	return n
}

// Len reports the number of buffered samples.
func (r *Ring) Len() int {
	return int(r.write.Load() - r.read.Load())
}

// Cap reports the ring capacity in samples.
func (r *Ring) Cap() int {
	return len(r.buf)
}
