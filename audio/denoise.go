package audio

import (
	"math"

	"github.com/sirupsen/logrus"
)

const (
	// denoiseFFTSize is the STFT block length of the suppressor.
	denoiseFFTSize = 512
	// denoiseHop is the analysis hop: 50% overlap, at which the periodic
	// Hanning window overlap-adds to unity gain.
	denoiseHop = denoiseFFTSize / 2
	// denoiseDelay is the output delay the streaming overlap-add
	// introduces: the first frame can only complete FrameSize-denoiseDelay
	// samples, so the output stream is primed with that much silence.
	denoiseDelay = FrameSize - 2*denoiseHop
	// noiseFloorLearnBlocks is how many initial STFT blocks feed the noise
	// floor estimate before subtraction kicks in.
	noiseFloorLearnBlocks = 10
)

// Denoiser implements background-noise suppression by spectral subtraction
// on a streaming short-time Fourier transform.
//
// Input is scaled from [-1,1] into the int16 numeric range on entry and
// back on exit, matching the domain the suppressor was tuned for. Blocks
// of 512 samples are Hanning-windowed at 50% overlap, transformed, and
// reconstructed by overlap-add; with the periodic window the overlapped
// windows sum to exactly one, so until the noise floor is learned the
// signal passes through unchanged apart from the fixed denoiseDelay-sample
// delay. The first blocks build a smoothed noise-floor estimate; after
// that each magnitude bin is reduced by an over-subtracted floor with a
// spectral floor preventing musical-noise artifacts.
type Denoiser struct {
	suppressionLevel float64
	window           []float64
	noiseFloor       []float64
	spectrum         []complex128

	in  []float64
	ola []float64
	out []float32

	blockCount  int
	initialized bool
}

// NewDenoiser creates a suppressor with full suppression strength.
func NewDenoiser() *Denoiser {
	window := make([]float64, denoiseFFTSize)
	for i := range window {
		// Periodic form: at 50% overlap adjacent windows sum to exactly 1.
		window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(denoiseFFTSize)))
	}
	return &Denoiser{
		suppressionLevel: 1.0,
		window:           window,
		noiseFloor:       make([]float64, denoiseFFTSize/2+1),
		spectrum:         make([]complex128, denoiseFFTSize),
		in:               make([]float64, 0, FrameSize+denoiseFFTSize),
		ola:              make([]float64, denoiseFFTSize),
		out:              make([]float32, denoiseDelay, FrameSize+denoiseFFTSize),
	}
}

// ProcessFrame denoises one 960-sample frame in place. The output is the
// denoised stream delayed by denoiseDelay samples; after the first frame
// every call consumes and produces exactly one frame of the stream.
// Inputs of any other length are left untouched.
func (d *Denoiser) ProcessFrame(frame []float32) {
	if len(frame) != FrameSize {
		return
	}

	for _, s := range frame {
		d.in = append(d.in, float64(s)*32767.0)
	}

	pos := 0
	for len(d.in)-pos >= denoiseFFTSize {
		d.processBlock(d.in[pos : pos+denoiseFFTSize])

		// The first hop of the accumulator is complete; emit it back in
		// the [-1,1] domain with clipping and slide the accumulator.
		for i := 0; i < denoiseHop; i++ {
			s := d.ola[i] / 32767.0
			if s > 1.0 {
				s = 1.0
			} else if s < -1.0 {
				s = -1.0
			}
			d.out = append(d.out, float32(s))
		}
		copy(d.ola, d.ola[denoiseHop:])
		for i := denoiseHop; i < denoiseFFTSize; i++ {
			d.ola[i] = 0
		}
		pos += denoiseHop
	}
	d.in = d.in[:copy(d.in, d.in[pos:])]

	n := copy(frame, d.out)
	for i := n; i < len(frame); i++ {
		frame[i] = 0
	}
	d.out = d.out[:copy(d.out, d.out[n:])]
}

// processBlock runs one windowed block through the spectral path and adds
// the reconstruction into the overlap accumulator.
func (d *Denoiser) processBlock(block []float64) {
	for i := range d.spectrum {
		d.spectrum[i] = complex(block[i]*d.window[i], 0)
	}

	fft(d.spectrum)
	magnitude := d.magnitudeSpectrum()
	d.updateNoiseFloor(magnitude)
	d.applySubtraction(magnitude)
	ifft(d.spectrum)

	for i := range d.ola {
		d.ola[i] += real(d.spectrum[i])
	}
}

func (d *Denoiser) magnitudeSpectrum() []float64 {
	magnitude := make([]float64, denoiseFFTSize/2+1)
	for i := range magnitude {
		re := real(d.spectrum[i])
		im := imag(d.spectrum[i])
		magnitude[i] = math.Sqrt(re*re + im*im)
	}
	return magnitude
}

func (d *Denoiser) updateNoiseFloor(magnitude []float64) {
	if d.blockCount >= noiseFloorLearnBlocks {
		return
	}
	const alpha = 0.8
	for i := range d.noiseFloor {
		if d.blockCount == 0 {
			d.noiseFloor[i] = magnitude[i]
		} else {
			d.noiseFloor[i] = alpha*d.noiseFloor[i] + (1-alpha)*magnitude[i]
		}
	}
	d.blockCount++
	if d.blockCount >= noiseFloorLearnBlocks {
		d.initialized = true
		logrus.WithFields(logrus.Fields{
			"function": "Denoiser.updateNoiseFloor",
			"blocks":   d.blockCount,
		}).Debug("Noise floor estimation completed")
	}
}

func (d *Denoiser) applySubtraction(magnitude []float64) {
	if !d.initialized {
		return
	}
	const overSubtraction = 2.0
	for i := range magnitude {
		subtracted := magnitude[i] - overSubtraction*d.suppressionLevel*d.noiseFloor[i]

		// Spectral floor prevents over-suppression artifacts.
		spectralFloor := 0.1 * magnitude[i]
		if subtracted < spectralFloor {
			subtracted = spectralFloor
		}

		if magnitude[i] > 0 {
			ratio := subtracted / magnitude[i]
			d.spectrum[i] = complex(real(d.spectrum[i])*ratio, imag(d.spectrum[i])*ratio)
			// Mirror for negative frequencies.
			if i > 0 && i < denoiseFFTSize/2 {
				m := denoiseFFTSize - i
				d.spectrum[m] = complex(real(d.spectrum[m])*ratio, imag(d.spectrum[m])*ratio)
			}
		}
	}
}

// fft computes an in-place Cooley-Tukey FFT for power-of-2 lengths.
func fft(data []complex128) {
	n := len(data)
	if n <= 1 {
		return
	}

	// Bit-reverse ordering.
	for i, j := 0, 0; i < n; i++ {
		if j > i {
			data[i], data[j] = data[j], data[i]
		}
		bit := n >> 1
		for j&bit != 0 {
			j ^= bit
			bit >>= 1
		}
		j ^= bit
	}

	for size := 2; size <= n; size <<= 1 {
		halfSize := size >> 1
		step := 2 * math.Pi / float64(size)
		for i := 0; i < n; i += size {
			for j := 0; j < halfSize; j++ {
				u := data[i+j]
				v := data[i+j+halfSize] * complex(math.Cos(float64(j)*step), -math.Sin(float64(j)*step))
				data[i+j] = u + v
				data[i+j+halfSize] = u - v
			}
		}
	}
}

// ifft computes the inverse FFT using the conjugate trick.
func ifft(data []complex128) {
	n := len(data)
	for i := range data {
		data[i] = complex(real(data[i]), -imag(data[i]))
	}
	fft(data)
	scale := 1.0 / float64(n)
	for i := range data {
		data[i] = complex(real(data[i])*scale, -imag(data[i])*scale)
	}
}
