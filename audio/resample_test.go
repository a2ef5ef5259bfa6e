package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownmix(t *testing.T) {
	tests := []struct {
		name     string
		input    []float32
		channels int
		expected []float32
	}{
		{
			name:     "mono_passthrough",
			input:    []float32{0.1, 0.2, 0.3},
			channels: 1,
			expected: []float32{0.1, 0.2, 0.3},
		},
		{
			name:     "stereo_average",
			input:    []float32{1.0, 0.0, 0.5, 0.5, -1.0, 1.0},
			channels: 2,
			expected: []float32{0.5, 0.5, 0.0},
		},
		{
			name:     "quad_average",
			input:    []float32{1, 1, 1, 1, 0, 0, 0, 0.4},
			channels: 4,
			expected: []float32{1.0, 0.1},
		},
		{
			name:     "empty_input",
			input:    nil,
			channels: 2,
			expected: []float32{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Downmix(tt.input, tt.channels)
			require.Len(t, got, len(tt.expected))
			for i := range tt.expected {
				assert.InDelta(t, tt.expected[i], got[i], 1e-6)
			}
		})
	}
}

func TestUpmix(t *testing.T) {
	got := Upmix([]float32{0.25, -0.5}, 2)
	assert.Equal(t, []float32{0.25, 0.25, -0.5, -0.5}, got)

	// Single channel is a no-op copy.
	mono := []float32{0.1, 0.2}
	same := Upmix(mono, 1)
	assert.Equal(t, mono, same)
}

func TestResampleLinearIdentity(t *testing.T) {
	src := make([]float32, FrameSize)
	for i := range src {
		src[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / SampleRate))
	}

	got := ResampleLinear(src, SampleRate, SampleRate, FrameSize)
	require.Len(t, got, FrameSize)
	for i := range src {
		assert.Equal(t, src[i], got[i])
	}
}

func TestResampleLinearPreservesSinePeak(t *testing.T) {
	// 20ms of a 1kHz sine at 44.1kHz upsampled to the pipeline rate. Linear
	// interpolation between dense samples must keep the peak close to 1.
	srcLen := 44100 / 50
	src := make([]float32, srcLen)
	for i := range src {
		src[i] = float32(math.Sin(2 * math.Pi * 1000 * float64(i) / 44100))
	}

	got := ResampleLinear(src, 44100, SampleRate, FrameSize)
	require.Len(t, got, FrameSize)

	peak := peakAmplitude(got)
	assert.InDelta(t, 1.0, float64(peak), 0.02)
}

func TestResampleLinearOutputLength(t *testing.T) {
	tests := []struct {
		name    string
		srcRate uint32
		srcLen  int
	}{
		{name: "rate_8000", srcRate: 8000, srcLen: 8000 / 50},
		{name: "rate_16000", srcRate: 16000, srcLen: 16000 / 50},
		{name: "rate_44100", srcRate: 44100, srcLen: 44100 / 50},
		{name: "rate_96000", srcRate: 96000, srcLen: 96000 / 50},
		{name: "short_input_zero_padded", srcRate: 48000, srcLen: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := make([]float32, tt.srcLen)
			for i := range src {
				src[i] = 0.5
			}
			got := ResampleLinear(src, tt.srcRate, SampleRate, FrameSize)
			assert.Len(t, got, FrameSize)
		})
	}
}
