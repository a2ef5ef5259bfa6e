package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"
)

// starvedPollInterval is how long the processing loop sleeps when the ring
// holds less than one device-native chunk.
const starvedPollInterval = 5 * time.Millisecond

// Capture owns the input device and produces Opus-encoded 20ms frames.
//
// The device callback pushes raw samples into a lock-free ring unless the
// mute flag is set, in which case input is discarded entirely: downstream
// sees zero frames while muted, not silence frames. A processing goroutine
// drains the ring one device-native chunk at a time, downmixes, resamples
// to the pipeline shape, optionally denoises, computes the speaking flag
// and encodes.
type Capture struct {
	flags    *Flags
	frames   chan EncodedFrame
	speaking atomic.Bool

	ring    *Ring
	scratch []float32

	ctx *malgo.AllocatedContext
	dev *malgo.Device

	deviceRate     uint32
	deviceChannels int

	done     chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
}

// StartCapture opens the named input device (falling back to the default
// when the name is empty or not found) and starts the capture pipeline.
// It fails only when no usable input device exists at all.
func StartCapture(deviceName string, flags *Flags) (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logrus.WithFields(logrus.Fields{
			"function": "StartCapture",
			"backend":  "malgo",
		}).Debug(message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 0 // device native
	cfg.SampleRate = 0       // device native
	cfg.Alsa.NoMMap = 1

	if deviceName != "" {
		if id, ok := findCaptureDevice(ctx, deviceName); ok {
			cfg.Capture.DeviceID = id.Pointer()
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "StartCapture",
				"device":   deviceName,
			}).Warn("Requested input device not found, falling back to default")
		}
	}

	c := &Capture{
		flags:  flags,
		frames: make(chan EncodedFrame, 64),
		ctx:    ctx,
		done:   make(chan struct{}),
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: c.onData,
		Stop: c.onDeviceStop,
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("no input audio device found: %w", err)
	}

	c.dev = dev
	c.deviceRate = dev.SampleRate()
	c.deviceChannels = int(dev.CaptureChannels())
	// ~200ms of device-native audio between callback and processing loop.
	c.ring = NewRing(int(c.deviceRate/5) * c.deviceChannels)
	c.scratch = make([]float32, 8192)

	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to start input device: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "StartCapture",
		"device_rate": c.deviceRate,
		"channels":    c.deviceChannels,
		"target_rate": SampleRate,
	}).Info("Audio capture started")

	go c.run()
	return c, nil
}

// Frames returns the encoded-frame stream. The channel closes when the
// capture instance ends, either through Close or a device error.
func (c *Capture) Frames() <-chan EncodedFrame {
	return c.frames
}

// IsSpeaking reports whether the most recent frame exceeded the speech
// threshold. Exposed for UI indication only; it never gates transmission.
func (c *Capture) IsSpeaking() bool {
	return c.speaking.Load()
}

// Close stops the device and ends the processing loop. Idempotent.
func (c *Capture) Close() {
	c.closing.Store(true)
	c.signalStop()
	if c.dev != nil {
		c.dev.Uninit()
	}
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
	}
}

func (c *Capture) signalStop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// onData runs on the device thread. It must never block or allocate:
// muted input is discarded, everything else is copied into the ring
// through a preallocated scratch buffer.
func (c *Capture) onData(_, input []byte, _ uint32) {
	if c.flags.Muted() {
		return
	}
	for len(input) >= 4 {
		n := len(input) / 4
		if n > len(c.scratch) {
			n = len(c.scratch)
		}
		for i := 0; i < n; i++ {
			c.scratch[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
		}
		c.ring.Push(c.scratch[:n])
		input = input[n*4:]
	}
}

// onDeviceStop fires when the device stops. Outside of a deliberate Close
// this means the device failed or disappeared, which is fatal to this
// instance only: the loop ends and the frame channel closes.
func (c *Capture) onDeviceStop() {
	if c.closing.Load() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Capture.onDeviceStop",
	}).Error("Input device stopped unexpectedly")
	c.signalStop()
}

func (c *Capture) run() {
	defer close(c.frames)

	enc, err := NewOpusEncoder()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Capture.run",
			"error":    err.Error(),
		}).Error("Failed to create encoder, capture ending")
		return
	}
	den := NewDenoiser()

	// One 20ms chunk of device-native interleaved samples.
	deviceFrame := int(c.deviceRate/50) * c.deviceChannels
	deviceBuf := make([]float32, deviceFrame)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if c.ring.Len() < deviceFrame {
			select {
			case <-c.done:
				return
			case <-time.After(starvedPollInterval):
			}
			continue
		}

		c.ring.Pop(deviceBuf)

		mono := Downmix(deviceBuf, c.deviceChannels)
		frame := ResampleLinear(mono, c.deviceRate, SampleRate, FrameSize)

		if c.flags.NoiseSuppression() {
			den.ProcessFrame(frame)
		}

		c.speaking.Store(peakAmplitude(frame) > speakingThreshold)

		data, err := enc.Encode(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Capture.run",
				"error":    err.Error(),
			}).Warn("Opus encode error, frame skipped")
			continue
		}

		select {
		case c.frames <- EncodedFrame{Data: data}:
		case <-c.done:
			return
		}
	}
}

// peakAmplitude returns the largest absolute sample value in the frame.
func peakAmplitude(frame []float32) float32 {
	var peak float32
	for _, s := range frame {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
