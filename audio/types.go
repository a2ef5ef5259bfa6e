package audio

import (
	"sync/atomic"
	"time"
)

// Audio pipeline constants. Every capture and playback path converges onto
// this shape before encoding, regardless of device-native rate and channels.
const (
	// SampleRate is the fixed pipeline sample rate in Hz.
	SampleRate = 48000
	// Channels is the fixed pipeline channel count (mono).
	Channels = 1
	// FrameSize is the number of samples per 20ms frame at SampleRate.
	FrameSize = 960
	// FrameDuration is the wall-clock length of one pipeline frame.
	FrameDuration = 20 * time.Millisecond

	// maxOpusPacket bounds the encoded size of a single Opus frame.
	maxOpusPacket = 4000

	// speakingThreshold is the post-denoise peak amplitude above which a
	// frame is flagged as speech.
	speakingThreshold = 0.01
)

// EncodedFrame is one 20ms Opus-encoded audio frame. Produced by Capture,
// consumed by every peer transport; never mutated after creation.
type EncodedFrame struct {
	Data []byte
}

// DecodedFrame is one frame of decoded 48kHz mono PCM. Produced per received
// RTP packet by a peer transport, consumed by the playback mixer.
type DecodedFrame struct {
	Samples []float32
}

// Device describes one enumerated audio input device. Immutable snapshot;
// there is no lifecycle beyond the listing call.
type Device struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// Flags holds the process-wide capture toggles. Both flags are read by the
// capture thread at frame boundaries; a store takes effect on the next
// frame, not retroactively. Staleness of one 20ms frame is acceptable, so
// plain atomic loads are used rather than a mutex that could stall the
// device callback.
type Flags struct {
	muted            atomic.Bool
	noiseSuppression atomic.Bool
}

// SetMuted updates the mute flag. While muted the capture callback discards
// input entirely, so downstream sees zero frames rather than silence frames.
func (f *Flags) SetMuted(muted bool) {
	f.muted.Store(muted)
}

// Muted reports the current mute flag.
func (f *Flags) Muted() bool {
	return f.muted.Load()
}

// SetNoiseSuppression toggles the denoiser for subsequent frames.
func (f *Flags) SetNoiseSuppression(enabled bool) {
	f.noiseSuppression.Store(enabled)
}

// NoiseSuppression reports whether the denoiser is enabled.
func (f *Flags) NoiseSuppression() bool {
	return f.noiseSuppression.Load()
}
