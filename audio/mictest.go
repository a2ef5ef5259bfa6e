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

// levelEveryNFrames spaces the meter events at roughly 50ms intervals
// (every third 20ms frame).
const levelEveryNFrames = 3

// MicTest runs a local loopback for device verification: microphone input
// is conditioned and denoised exactly like a live call, passed through an
// Opus encode/decode round trip, and played back on the default output
// device. It periodically emits a clamped [0,1] peak level for UI metering.
//
// MicTest owns its own device handles and must not share devices with an
// active call's capture or playback.
type MicTest struct {
	flags  *Flags
	levels chan<- float64

	inRing  *Ring
	outRing *Ring
	scratch []float32

	ctx    *malgo.AllocatedContext
	inDev  *malgo.Device
	outDev *malgo.Device

	inRate      uint32
	inChannels  int
	outRate     uint32
	outChannels int

	done     chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
}

// StartMicTest opens the named input device (default when empty or not
// found) plus the default output device and starts the loopback.
func StartMicTest(deviceName string, flags *Flags, levels chan<- float64) (*MicTest, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	m := &MicTest{
		flags:   flags,
		levels:  levels,
		ctx:     ctx,
		scratch: make([]float32, 8192),
		done:    make(chan struct{}),
	}

	inCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	inCfg.Capture.Format = malgo.FormatF32
	inCfg.Capture.Channels = 0
	inCfg.SampleRate = 0
	inCfg.Alsa.NoMMap = 1
	if deviceName != "" {
		if id, ok := findCaptureDevice(ctx, deviceName); ok {
			inCfg.Capture.DeviceID = id.Pointer()
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "StartMicTest",
				"device":   deviceName,
			}).Warn("Requested input device not found, falling back to default")
		}
	}

	inDev, err := malgo.InitDevice(ctx.Context, inCfg, malgo.DeviceCallbacks{
		Data: m.onInput,
		Stop: m.onDeviceStop,
	})
	if err != nil {
		m.teardown()
		return nil, fmt.Errorf("no input audio device found: %w", err)
	}
	m.inDev = inDev
	m.inRate = inDev.SampleRate()
	m.inChannels = int(inDev.CaptureChannels())
	m.inRing = NewRing(int(m.inRate/5) * m.inChannels)

	outCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	outCfg.Playback.Format = malgo.FormatF32
	outCfg.Playback.Channels = 0
	outCfg.SampleRate = 0
	outCfg.Alsa.NoMMap = 1

	outDev, err := malgo.InitDevice(ctx.Context, outCfg, malgo.DeviceCallbacks{
		Data: m.onOutput,
		Stop: m.onDeviceStop,
	})
	if err != nil {
		m.teardown()
		return nil, fmt.Errorf("no output audio device found: %w", err)
	}
	m.outDev = outDev
	m.outRate = outDev.SampleRate()
	m.outChannels = int(outDev.PlaybackChannels())
	m.outRing = NewRing(int(m.outRate/5) * m.outChannels)

	if err := inDev.Start(); err != nil {
		m.teardown()
		return nil, fmt.Errorf("failed to start input device: %w", err)
	}
	if err := outDev.Start(); err != nil {
		m.teardown()
		return nil, fmt.Errorf("failed to start output device: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "StartMicTest",
		"input_rate":   m.inRate,
		"output_rate":  m.outRate,
		"in_channels":  m.inChannels,
		"out_channels": m.outChannels,
	}).Info("Mic test started")

	go m.run()
	return m, nil
}

// Stop ends the loopback and releases both devices. Idempotent.
func (m *MicTest) Stop() {
	m.closing.Store(true)
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *MicTest) teardown() {
	if m.inDev != nil {
		m.inDev.Uninit()
		m.inDev = nil
	}
	if m.outDev != nil {
		m.outDev.Uninit()
		m.outDev = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
}

func (m *MicTest) onInput(_, input []byte, _ uint32) {
	for len(input) >= 4 {
		n := len(input) / 4
		if n > len(m.scratch) {
			n = len(m.scratch)
		}
		for i := 0; i < n; i++ {
			m.scratch[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
		}
		m.inRing.Push(m.scratch[:n])
		input = input[n*4:]
	}
}

func (m *MicTest) onOutput(output, _ []byte, _ uint32) {
	want := len(output) / 4
	got := 0
	var one [1]float32
	for got < want {
		if m.outRing.Pop(one[:]) == 0 {
			break
		}
		binary.LittleEndian.PutUint32(output[got*4:], math.Float32bits(one[0]))
		got++
	}
	for ; got < want; got++ {
		binary.LittleEndian.PutUint32(output[got*4:], 0)
	}
}

func (m *MicTest) onDeviceStop() {
	if m.closing.Load() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "MicTest.onDeviceStop",
	}).Error("Mic test device stopped unexpectedly")
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *MicTest) run() {
	defer m.teardown()
	defer close(m.levels)

	enc, err := NewOpusEncoder()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MicTest.run",
			"error":    err.Error(),
		}).Error("Failed to create encoder, mic test ending")
		return
	}
	dec, err := NewOpusDecoder()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MicTest.run",
			"error":    err.Error(),
		}).Error("Failed to create decoder, mic test ending")
		return
	}
	den := NewDenoiser()

	deviceFrame := int(m.inRate/50) * m.inChannels
	deviceBuf := make([]float32, deviceFrame)
	levelCounter := 0

	for {
		select {
		case <-m.done:
			logrus.WithFields(logrus.Fields{
				"function": "MicTest.run",
			}).Info("Mic test stopped")
			return
		default:
		}

		if m.inRing.Len() < deviceFrame {
			select {
			case <-m.done:
				return
			case <-time.After(starvedPollInterval):
			}
			continue
		}

		m.inRing.Pop(deviceBuf)

		mono := Downmix(deviceBuf, m.inChannels)
		frame := ResampleLinear(mono, m.inRate, SampleRate, FrameSize)

		if m.flags.NoiseSuppression() {
			den.ProcessFrame(frame)
		}

		levelCounter++
		if levelCounter >= levelEveryNFrames {
			levelCounter = 0
			level := float64(peakAmplitude(frame))
			if level > 1.0 {
				level = 1.0
			}
			select {
			case m.levels <- level:
			default:
			}
		}

		// Encode/decode round trip so the user hears exactly what a
		// remote peer would.
		data, err := enc.Encode(frame)
		if err != nil {
			continue
		}
		pcm, err := dec.Decode(data)
		if err != nil {
			continue
		}

		out := pcm
		if m.outRate != SampleRate {
			dstLen := len(pcm) * int(m.outRate) / SampleRate
			out = ResampleLinear(pcm, SampleRate, m.outRate, dstLen)
		}
		if m.outChannels > 1 {
			out = Upmix(out, m.outChannels)
		}
		m.outRing.Push(out)
	}
}
