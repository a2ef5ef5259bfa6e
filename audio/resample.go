package audio

// Pure sample-format conversion helpers shared by the capture and playback
// paths. All three functions are stateless and numerically deterministic so
// tests can assert exact output for known input.

// Downmix converts interleaved multi-channel samples to mono by taking the
// arithmetic mean across channels for each frame. A channel count below two
// returns a copy of the input unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}

	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleLinear converts mono samples from srcRate to dstRate using linear
// interpolation, producing exactly dstLen output samples.
//
// For each output index the fractional source position is i/(dstRate/srcRate);
// the sample is interpolated between the floor and ceil source positions.
// Reads past the end of src fall back to the nearest in-range sample, and a
// fully out-of-range read yields silence. When the rates match the input is
// copied through unchanged and zero-padded to dstLen.
func ResampleLinear(src []float32, srcRate, dstRate uint32, dstLen int) []float32 {
	out := make([]float32, dstLen)
	if srcRate == dstRate {
		copy(out, src)
		return out
	}

	ratio := float64(dstRate) / float64(srcRate)
	for i := 0; i < dstLen; i++ {
		srcPos := float64(i) / ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		var s0 float32
		if idx < len(src) {
			s0 = src[idx]
		}
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = float32(float64(s0)*(1.0-frac) + float64(s1)*frac)
	}
	return out
}

// Upmix expands mono samples to the given channel count by replicating each
// sample, with no per-channel gain adjustment. A channel count below two
// returns a copy of the input unchanged.
func Upmix(mono []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(mono))
		copy(out, mono)
		return out
	}

	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = s
		}
	}
	return out
}
