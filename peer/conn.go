// Package peer manages one WebRTC media session per remote participant:
// negotiation, the outbound Opus track with its RTP send path, and the
// inbound decode loop feeding the playback mixer.
package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/entavi/audio"
	"github.com/opd-ai/entavi/rtpx"
	"github.com/opd-ai/entavi/signaling"
)

// stunServers are the well-known servers used for NAT traversal.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// CandidateEvent is a locally gathered ICE candidate tagged with the peer
// it belongs to, ready for relay through signaling.
type CandidateEvent struct {
	PeerID  string
	Payload signaling.Payload
}

// StateEvent reports a connection-state transition for one peer. Lost is
// set for the Failed/Disconnected/Closed states; it signals the engine
// that this peer must be torn down - the connection never self-destructs.
type StateEvent struct {
	PeerID string
	State  webrtc.PeerConnectionState
	Lost   bool
}

// Conn is the media session with one remote participant. It owns exactly
// one outbound audio track and its RTP sequence/timestamp/SSRC state; the
// counters are never shared across peers.
type Conn struct {
	peerID     string
	pc         *webrtc.PeerConnection
	track      *webrtc.TrackLocalStaticRTP
	packetizer *rtpx.Packetizer

	decoded chan audio.DecodedFrame

	mu          sync.Mutex
	closed      bool
	trackActive bool
}

// NewConn builds a peer connection negotiating Opus-only audio, registers
// the local track and wires candidate and state events into the provided
// sinks. Sink sends never block; a full sink drops the event with a log.
func NewConn(peerID string, iceSink chan<- CandidateEvent, stateSink chan<- StateEvent) (*Conn, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: audio.SampleRate,
			Channels:  audio.Channels,
		},
		"audio",
		"entavi-audio",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}

	packetizer, err := rtpx.NewPacketizer()
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	c := &Conn{
		peerID:     peerID,
		pc:         pc,
		track:      track,
		packetizer: packetizer,
		decoded:    make(chan audio.DecodedFrame, 64),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		event := CandidateEvent{
			PeerID: peerID,
			Payload: signaling.Payload{
				Kind:          signaling.KindICECandidate,
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		}
		select {
		case iceSink <- event:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Conn.OnICECandidate",
				"peer_id":  peerID,
			}).Warn("ICE sink full, candidate dropped")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		lost := state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateClosed
		logrus.WithFields(logrus.Fields{
			"function": "Conn.OnConnectionStateChange",
			"peer_id":  peerID,
			"state":    state.String(),
		}).Info("Peer connection state changed")
		select {
		case stateSink <- StateEvent{PeerID: peerID, State: state, Lost: lost}:
		default:
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.trackActive = true
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Conn.OnTrack",
			"peer_id":  peerID,
			"codec":    remote.Codec().MimeType,
		}).Info("Remote audio track received")

		go c.decodeLoop(remote)
	})

	return c, nil
}

// PeerID returns the remote participant this connection belongs to.
func (c *Conn) PeerID() string {
	return c.peerID
}

// Decoded delivers PCM frames decoded from the remote track. Closed when
// the decode loop ends or the connection is closed before a track arrives.
func (c *Conn) Decoded() <-chan audio.DecodedFrame {
	return c.decoded
}

// CreateOffer produces the local SDP offer and applies it as the local
// description.
func (c *Conn) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// HandleOffer applies a remote offer and returns the local answer SDP.
func (c *Conn) HandleOffer(sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// HandleAnswer applies the remote answer to our earlier offer.
func (c *Conn) HandleAnswer(sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// AddICECandidate applies a trickled remote candidate.
func (c *Conn) AddICECandidate(candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// SendAudio packetizes one encoded frame and writes it to the outbound
// track.
func (c *Conn) SendAudio(frame audio.EncodedFrame) error {
	packet := c.packetizer.Packetize(frame.Data)
	if err := c.track.WriteRTP(packet); err != nil {
		return fmt.Errorf("failed to write RTP: %w", err)
	}
	return nil
}

// Close terminates the connection. Idempotent. If no remote track ever
// arrived the decoded channel is closed here; otherwise the decode loop
// closes it when the transport read fails.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	trackActive := c.trackActive
	c.mu.Unlock()

	_ = c.pc.Close()
	if !trackActive {
		close(c.decoded)
	}
}

// decodeLoop reads the remote track, decoding each payload into PCM.
// Empty payloads are skipped; a decode error drops that packet; a read
// error ends the loop and closes the decoded channel.
func (c *Conn) decodeLoop(remote *webrtc.TrackRemote) {
	defer close(c.decoded)

	dec, err := audio.NewOpusDecoder()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Conn.decodeLoop",
			"peer_id":  c.peerID,
			"error":    err.Error(),
		}).Error("Failed to create decoder")
		return
	}

	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Conn.decodeLoop",
				"peer_id":  c.peerID,
				"error":    err.Error(),
			}).Warn("RTP read ended")
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}

		samples, err := dec.Decode(packet.Payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Conn.decodeLoop",
				"peer_id":  c.peerID,
				"error":    err.Error(),
			}).Warn("Opus decode error, packet dropped")
			continue
		}

		c.queueDecoded(audio.DecodedFrame{Samples: samples})
	}
}

// queueDecoded enqueues one frame without blocking the read loop: when the
// mixer falls behind, the oldest queued frame is evicted so the freshest
// audio wins.
func (c *Conn) queueDecoded(frame audio.DecodedFrame) {
	select {
	case c.decoded <- frame:
		return
	default:
	}
	select {
	case <-c.decoded:
	default:
	}
	select {
	case c.decoded <- frame:
	default:
	}
}
