package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"
	opus "gopkg.in/hraban/opus.v2"
)

// OpusEncoder wraps an Opus encoder fixed to the pipeline frame shape:
// 48kHz mono, 20ms frames, ~64kbps variable bitrate with in-band FEC
// tuned for 10% expected packet loss.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewOpusEncoder creates and configures the pipeline encoder.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	// Encoder tuning: bitrate and loss settings are best-effort; the
	// encoder still produces usable frames if any single setting fails.
	if err := enc.SetBitrate(64_000); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewOpusEncoder",
			"error":    err.Error(),
		}).Warn("Failed to set encoder bitrate")
	}
	if err := enc.SetComplexity(10); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewOpusEncoder",
			"error":    err.Error(),
		}).Warn("Failed to set encoder complexity")
	}
	if err := enc.SetInBandFEC(true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewOpusEncoder",
			"error":    err.Error(),
		}).Warn("Failed to enable in-band FEC")
	}
	if err := enc.SetPacketLossPerc(10); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewOpusEncoder",
			"error":    err.Error(),
		}).Warn("Failed to set expected packet loss")
	}
	if err := enc.SetMaxBandwidth(opus.Fullband); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewOpusEncoder",
			"error":    err.Error(),
		}).Warn("Failed to set encoder bandwidth")
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewOpusEncoder",
		"sample_rate": SampleRate,
		"channels":    Channels,
		"bitrate":     64_000,
	}).Debug("Opus encoder created")

	return &OpusEncoder{
		enc: enc,
		buf: make([]byte, maxOpusPacket),
	}, nil
}

// Encode compresses one 960-sample mono frame and returns a copy of the
// encoded bytes. The input must be exactly FrameSize samples.
func (e *OpusEncoder) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != FrameSize {
		return nil, fmt.Errorf("encode expects %d samples, got %d", FrameSize, len(pcm))
	}
	n, err := e.enc.EncodeFloat32(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// OpusDecoder wraps an Opus decoder fixed to 48kHz mono output.
type OpusDecoder struct {
	dec *opus.Decoder
	pcm []float32
}

// NewOpusDecoder creates the pipeline decoder.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec: dec,
		pcm: make([]float32, FrameSize),
	}, nil
}

// Decode decompresses one Opus packet into a copy of the resulting PCM
// samples (up to FrameSize mono samples at 48kHz).
func (d *OpusDecoder) Decode(data []byte) ([]float32, error) {
	n, err := d.dec.DecodeFloat32(data, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}
	out := make([]float32, n)
	copy(out, d.pcm[:n])
	return out, nil
}
