package audio

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameRMS(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func noiseFrame(rng *rand.Rand, amplitude float64) []float32 {
	frame := make([]float32, FrameSize)
	for i := range frame {
		frame[i] = float32((rng.Float64()*2 - 1) * amplitude)
	}
	return frame
}

func sineStream(frames int) [][]float32 {
	out := make([][]float32, frames)
	for f := range out {
		frame := make([]float32, FrameSize)
		for i := range frame {
			n := f*FrameSize + i
			frame[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(n)/SampleRate))
		}
		out[f] = frame
	}
	return out
}

func TestDenoiserPassthroughWhileLearning(t *testing.T) {
	d := NewDenoiser()
	frames := sineStream(2)
	original := sineStream(2)

	for _, frame := range frames {
		d.ProcessFrame(frame)
	}

	// The overlapped windows sum to one, so while the floor is still being
	// learned the output is the input delayed by denoiseDelay samples. The
	// second frame is fully inside the stream, clear of the
	// start-of-stream window ramp, and still within the learning phase.
	for i := 0; i < FrameSize; i++ {
		n := FrameSize + i - denoiseDelay
		want := original[n/FrameSize][n%FrameSize]
		require.InDeltaf(t, want, frames[1][i], 1e-3, "sample %d", i)
	}
}

func TestDenoiserOutputDelay(t *testing.T) {
	d := NewDenoiser()
	frame := make([]float32, FrameSize)
	for i := range frame {
		frame[i] = 0.5
	}
	d.ProcessFrame(frame)

	// The stream is primed with denoiseDelay samples of silence.
	for i := 0; i < denoiseDelay; i++ {
		require.Zero(t, frame[i], "sample %d inside the priming delay", i)
	}
	var nonZero bool
	for _, s := range frame[denoiseDelay:] {
		if s != 0 {
			nonZero = true
			break
		}
	}
	assert.True(t, nonZero, "signal should appear after the priming delay")
}

func TestDenoiserAttenuatesStationaryNoise(t *testing.T) {
	d := NewDenoiser()
	rng := rand.New(rand.NewSource(7))

	// Each frame advances the analysis by several blocks; a handful of
	// frames completes the noise floor estimate.
	for i := 0; i < 5; i++ {
		d.ProcessFrame(noiseFrame(rng, 0.1))
	}
	require.True(t, d.initialized)

	frame := noiseFrame(rng, 0.1)
	before := frameRMS(frame)
	d.ProcessFrame(frame)
	after := frameRMS(frame)

	assert.Less(t, after, before*0.5,
		"stationary noise should be strongly attenuated once the floor is learned")
}

func TestDenoiserSteadyStateFrameAccounting(t *testing.T) {
	d := NewDenoiser()

	// After the priming frame every call consumes and produces exactly one
	// frame: internal buffers must not accumulate.
	for i := 0; i < 50; i++ {
		d.ProcessFrame(make([]float32, FrameSize))
		assert.LessOrEqual(t, len(d.in), denoiseFFTSize)
		assert.LessOrEqual(t, len(d.out), FrameSize)
	}
}

func TestDenoiserIgnoresWrongLength(t *testing.T) {
	d := NewDenoiser()

	short := []float32{0.1, 0.2, 0.3}
	d.ProcessFrame(short)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, short)
}

func TestDenoiserWindowOverlapsToUnity(t *testing.T) {
	d := NewDenoiser()
	for i := 0; i < denoiseHop; i++ {
		require.InDelta(t, 1.0, d.window[i]+d.window[i+denoiseHop], 1e-12)
	}
}

func TestFFTRoundTrip(t *testing.T) {
	data := make([]complex128, denoiseFFTSize)
	rng := rand.New(rand.NewSource(11))
	original := make([]complex128, denoiseFFTSize)
	for i := range data {
		data[i] = complex(rng.Float64()*2-1, 0)
		original[i] = data[i]
	}

	fft(data)
	ifft(data)

	for i := range data {
		require.InDelta(t, real(original[i]), real(data[i]), 1e-9)
		require.InDelta(t, 0.0, imag(data[i]), 1e-9)
	}
}
