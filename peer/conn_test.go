package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/entavi/audio"
)

func TestQueueDecodedEvictsOldestWhenFull(t *testing.T) {
	c := &Conn{decoded: make(chan audio.DecodedFrame, 2)}

	c.queueDecoded(audio.DecodedFrame{Samples: []float32{1}})
	c.queueDecoded(audio.DecodedFrame{Samples: []float32{2}})
	// Queue full: the oldest frame gives way to the newest.
	c.queueDecoded(audio.DecodedFrame{Samples: []float32{3}})

	first := <-c.decoded
	second := <-c.decoded
	assert.Equal(t, float32(2), first.Samples[0])
	assert.Equal(t, float32(3), second.Samples[0])

	select {
	case <-c.decoded:
		t.Fatal("queue should hold exactly two frames")
	default:
	}
}

func TestQueueDecodedPreservesOrderWhenNotFull(t *testing.T) {
	c := &Conn{decoded: make(chan audio.DecodedFrame, 4)}

	for i := 1; i <= 3; i++ {
		c.queueDecoded(audio.DecodedFrame{Samples: []float32{float32(i)}})
	}

	for i := 1; i <= 3; i++ {
		frame := <-c.decoded
		require.Equal(t, float32(i), frame.Samples[0])
	}
}
