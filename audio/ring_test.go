package audio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPushPopOrder(t *testing.T) {
	r := NewRing(8)

	n := r.Push([]float32{1, 2, 3})
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, r.Len())

	out := make([]float32, 3)
	n = r.Pop(out)
	assert.Equal(t, 3, n)
	assert.Equal(t, []float32{1, 2, 3}, out)
	assert.Equal(t, 0, r.Len())
}

func TestRingOverflowDropsExcess(t *testing.T) {
	r := NewRing(4)

	n := r.Push([]float32{1, 2, 3, 4, 5, 6})
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, r.Len())

	out := make([]float32, 6)
	n = r.Pop(out)
	assert.Equal(t, 4, n)
	// The oldest samples survive; the overflow tail was dropped.
	assert.Equal(t, []float32{1, 2, 3, 4}, out[:4])
}

func TestRingPartialPop(t *testing.T) {
	r := NewRing(8)
	r.Push([]float32{1, 2})

	out := make([]float32, 4)
	n := r.Pop(out)
	assert.Equal(t, 2, n)
	assert.Equal(t, []float32{1, 2}, out[:2])

	n = r.Pop(out)
	assert.Equal(t, 0, n)
}

func TestRingWrapAround(t *testing.T) {
	r := NewRing(4)
	out := make([]float32, 2)

	// Repeated push/pop cycles force the indices past the buffer length so
	// the modulo addressing is exercised.
	for cycle := 0; cycle < 10; cycle++ {
		base := float32(cycle * 2)
		require.Equal(t, 2, r.Push([]float32{base, base + 1}))
		require.Equal(t, 2, r.Pop(out))
		require.Equal(t, []float32{base, base + 1}, out)
	}
}

func TestRingConcurrentProducerConsumer(t *testing.T) {
	const total = 10000
	r := NewRing(256)

	var wg sync.WaitGroup
	wg.Add(1)
	received := make([]float32, 0, total)

	go func() {
		defer wg.Done()
		buf := make([]float32, 64)
		for len(received) < total {
			n := r.Pop(buf)
			received = append(received, buf[:n]...)
		}
	}()

	// The producer retries dropped samples so every value arrives; the
	// consumer must then observe a strictly increasing sequence.
	for i := 0; i < total; {
		if r.Push([]float32{float32(i)}) == 1 {
			i++
		}
	}
	wg.Wait()

	require.Len(t, received, total)
	for i := 0; i < total; i++ {
		require.Equal(t, float32(i), received[i])
	}
}
