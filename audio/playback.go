package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// Playback owns the output device and plays back 48kHz mono PCM.
//
// A worker goroutine resamples and upmixes incoming chunks to the device
// format and pushes them into an output ring; the device callback pops
// from the ring and emits silence on underrun rather than blocking or
// repeating stale audio. Underrun is expected and must be silent.
//
// Playback is single-stream: mixing multiple sources happens upstream, and
// exactly one producer feeds Write.
type Playback struct {
	in chan []float32

	ring *Ring

	ctx *malgo.AllocatedContext
	dev *malgo.Device

	deviceRate     uint32
	deviceChannels int

	done     chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
}

// StartPlayback opens the default output device and starts the playback
// pipeline.
func StartPlayback() (*Playback, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logrus.WithFields(logrus.Fields{
			"function": "StartPlayback",
			"backend":  "malgo",
		}).Debug(message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 0 // device native
	cfg.SampleRate = 0        // device native
	cfg.Alsa.NoMMap = 1

	p := &Playback{
		in:   make(chan []float32, 64),
		ctx:  ctx,
		done: make(chan struct{}),
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: p.onData,
		Stop: p.onDeviceStop,
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("no output audio device found: %w", err)
	}

	p.dev = dev
	p.deviceRate = dev.SampleRate()
	p.deviceChannels = int(dev.PlaybackChannels())
	p.ring = NewRing(int(p.deviceRate/5) * p.deviceChannels)

	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to start output device: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "StartPlayback",
		"device_rate": p.deviceRate,
		"channels":    p.deviceChannels,
		"source_rate": SampleRate,
	}).Info("Audio playback started")

	go p.run()
	return p, nil
}

// Write queues a chunk of 48kHz mono PCM for playback. Never blocks past
// the internal queue; chunks arriving after Close are dropped.
func (p *Playback) Write(samples []float32) {
	select {
	case p.in <- samples:
	case <-p.done:
	}
}

// Close stops the device and ends the worker. Idempotent.
func (p *Playback) Close() {
	p.closing.Store(true)
	p.stopOnce.Do(func() { close(p.done) })
	if p.dev != nil {
		p.dev.Uninit()
	}
	if p.ctx != nil {
		_ = p.ctx.Uninit()
		p.ctx.Free()
	}
}

// onData runs on the device thread: pop from the ring, zero-fill the rest.
func (p *Playback) onData(output, _ []byte, _ uint32) {
	want := len(output) / 4
	got := 0
	// Pop directly into the output buffer sample by sample to avoid an
	// intermediate allocation on the callback path.
	var one [1]float32
	for got < want {
		if p.ring.Pop(one[:]) == 0 {
			break
		}
		binary.LittleEndian.PutUint32(output[got*4:], math.Float32bits(one[0]))
		got++
	}
	for ; got < want; got++ {
		binary.LittleEndian.PutUint32(output[got*4:], 0)
	}
}

func (p *Playback) onDeviceStop() {
	if p.closing.Load() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Playback.onDeviceStop",
	}).Error("Output device stopped unexpectedly")
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Playback) run() {
	needResample := p.deviceRate != SampleRate
	needUpmix := p.deviceChannels > 1

	for {
		select {
		case <-p.done:
			return
		case samples := <-p.in:
			out := samples
			if needResample {
				dstLen := len(samples) * int(p.deviceRate) / SampleRate
				out = ResampleLinear(samples, SampleRate, p.deviceRate, dstLen)
			}
			if needUpmix {
				out = Upmix(out, p.deviceChannels)
			}
			p.ring.Push(out)
		}
	}
}
