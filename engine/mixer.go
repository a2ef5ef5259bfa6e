package engine

import (
	"sync"
	"time"

	"github.com/opd-ai/entavi/audio"
)

// MixFrames combines decoded frames from multiple peers into one playback
// frame by sample-wise summation, clamped to [-1,1]. Summation is
// commutative, so the mix carries no cross-peer ordering requirement.
// Frames shorter than the pipeline frame contribute silence for their
// missing tail.
func MixFrames(frames [][]float32) []float32 {
	out := make([]float32, audio.FrameSize)
	for _, frame := range frames {
		for i, s := range frame {
			if i >= len(out) {
				break
			}
			out[i] += s
		}
	}
	for i, s := range out {
		if s > 1.0 {
			out[i] = 1.0
		} else if s < -1.0 {
			out[i] = -1.0
		}
	}
	return out
}

// mixInput is one decoded frame tagged with its source peer.
type mixInput struct {
	peerID  string
	samples []float32
}

// maxQueuedFrames bounds one peer's backlog: a peer delivering faster than
// one frame per tick (clock skew) would otherwise accumulate latency
// without limit. Eight frames is 160ms of buffered audio.
const maxQueuedFrames = 8

// enqueueFrame appends one frame to its peer's queue, evicting the oldest
// frames beyond the backlog bound.
func enqueueFrame(queues map[string][][]float32, in mixInput) {
	q := append(queues[in.peerID], in.samples)
	if len(q) > maxQueuedFrames {
		q = q[len(q)-maxQueuedFrames:]
	}
	queues[in.peerID] = q
}

// mixer is the single playback writer: it queues decoded frames per peer
// and, every frame interval, mixes at most one pending frame per peer into
// the playback stream. Routing every write through this one goroutine
// keeps locks out of the steady-state audio path.
type mixer struct {
	in    chan mixInput
	write func([]float32)

	done     chan struct{}
	stopOnce sync.Once
}

func newMixer(write func([]float32)) *mixer {
	return &mixer{
		in:    make(chan mixInput, 256),
		write: write,
		done:  make(chan struct{}),
	}
}

func (m *mixer) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *mixer) run() {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	queues := make(map[string][][]float32)

	for {
		select {
		case <-m.done:
			return

		case in := <-m.in:
			enqueueFrame(queues, in)

		case <-ticker.C:
			frames := make([][]float32, 0, len(queues))
			for id, q := range queues {
				if len(q) == 0 {
					delete(queues, id)
					continue
				}
				frames = append(frames, q[0])
				queues[id] = q[1:]
			}
			if len(frames) == 0 {
				continue
			}
			m.write(MixFrames(frames))
		}
	}
}
