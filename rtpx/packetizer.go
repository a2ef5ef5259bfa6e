// Package rtpx builds the RTP packets carrying encoded audio frames.
//
// It uses pion/rtp for standards-compliant packet handling and keeps the
// per-sender sequence/timestamp/SSRC triple isolated per instance: each
// outbound track owns exactly one Packetizer and no counter state is
// shared across peers.
package rtpx

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

const (
	// PayloadTypeOpus is the dynamic RTP payload type negotiated for Opus.
	PayloadTypeOpus = 111
	// TimestampStep is the RTP clock advance per 20ms frame at 48kHz.
	TimestampStep = 960
)

// Packetizer assembles RTP packets for one outbound audio track.
//
// The SSRC is drawn randomly at construction and fixed for the lifetime of
// the instance; the sequence number wraps modulo 2^16 and the timestamp
// advances by exactly TimestampStep per packet, wrapping modulo 2^32.
type Packetizer struct {
	mu             sync.Mutex
	ssrc           uint32
	sequenceNumber uint16
	timestamp      uint32
}

// NewPacketizer creates a packetizer with a freshly generated SSRC.
func NewPacketizer() (*Packetizer, error) {
	ssrcBytes := make([]byte, 4)
	if _, err := rand.Read(ssrcBytes); err != nil {
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	ssrc := binary.BigEndian.Uint32(ssrcBytes)

	logrus.WithFields(logrus.Fields{
		"function": "NewPacketizer",
		"ssrc":     ssrc,
	}).Debug("Audio packetizer created")

	return &Packetizer{ssrc: ssrc}, nil
}

// Packetize wraps one encoded audio frame in an RTP packet and advances
// the sequence/timestamp counters.
func (p *Packetizer) Packetize(payload []byte) *rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Padding:        false,
			Extension:      false,
			Marker:         false,
			PayloadType:    PayloadTypeOpus,
			SequenceNumber: p.sequenceNumber,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}

	p.sequenceNumber++
	p.timestamp += TimestampStep

	return packet
}

// SSRC returns the fixed sender identifier for this packetizer.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}
