package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusEncodeRejectsWrongFrameSize(t *testing.T) {
	enc, err := NewOpusEncoder()
	require.NoError(t, err)

	tests := []struct {
		name    string
		samples int
	}{
		{name: "empty", samples: 0},
		{name: "half_frame", samples: FrameSize / 2},
		{name: "off_by_one", samples: FrameSize - 1},
		{name: "double_frame", samples: FrameSize * 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Encode(make([]float32, tt.samples))
			assert.Error(t, err)
		})
	}
}

func TestOpusEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := NewOpusEncoder()
	require.NoError(t, err)
	dec, err := NewOpusDecoder()
	require.NoError(t, err)

	frame := make([]float32, FrameSize)
	for i := range frame {
		frame[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}

	data, err := enc.Encode(frame)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.LessOrEqual(t, len(data), maxOpusPacket)

	pcm, err := dec.Decode(data)
	require.NoError(t, err)
	assert.Len(t, pcm, FrameSize)
}

// TestConditionedCaptureProducesExpectedFrames drives the capture-side
// conditioning chain (downmix, resample, encode) the way the processing
// loop does, from a simulated 44.1kHz stereo device: 100ms of input must
// yield five encoded frames, each decoding back to one 20ms pipeline frame.
func TestConditionedCaptureProducesExpectedFrames(t *testing.T) {
	enc, err := NewOpusEncoder()
	require.NoError(t, err)
	dec, err := NewOpusDecoder()
	require.NoError(t, err)

	const (
		deviceRate     = 44100
		deviceChannels = 2
		chunks         = 5 // 100ms as five 20ms chunks
	)
	deviceFrame := deviceRate / 50 * deviceChannels

	encoded := 0
	for chunk := 0; chunk < chunks; chunk++ {
		buf := make([]float32, deviceFrame)
		for i := 0; i < len(buf); i += deviceChannels {
			sampleIdx := chunk*deviceRate/50 + i/deviceChannels
			s := float32(0.4 * math.Sin(2*math.Pi*330*float64(sampleIdx)/deviceRate))
			for ch := 0; ch < deviceChannels; ch++ {
				buf[i+ch] = s
			}
		}

		mono := Downmix(buf, deviceChannels)
		frame := ResampleLinear(mono, deviceRate, SampleRate, FrameSize)
		require.Len(t, frame, FrameSize)

		data, err := enc.Encode(frame)
		require.NoError(t, err)
		encoded++

		pcm, err := dec.Decode(data)
		require.NoError(t, err)
		assert.Len(t, pcm, FrameSize)
	}

	assert.Equal(t, chunks, encoded)
}
