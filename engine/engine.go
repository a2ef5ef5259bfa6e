// Package engine implements the session orchestrator: the call state
// machine that owns the live audio pipelines, the per-participant peer
// transports and the signaling session, and routes frames and control
// events between them.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/entavi/audio"
	"github.com/opd-ai/entavi/config"
	"github.com/opd-ai/entavi/peer"
	"github.com/opd-ai/entavi/signaling"
)

// joinTimeout bounds the wait for the relay's room_joined reply.
const joinTimeout = 10 * time.Second

// leaveFlushTimeout bounds the wait for the write pump to drain the Leave
// message before the session is torn down.
const leaveFlushTimeout = 250 * time.Millisecond

// capturePipeline is the slice of audio.Capture the engine depends on.
type capturePipeline interface {
	Frames() <-chan audio.EncodedFrame
	IsSpeaking() bool
	Close()
}

// playbackPipeline is the slice of audio.Playback the engine depends on.
type playbackPipeline interface {
	Write(samples []float32)
	Close()
}

// micTester is the slice of audio.MicTest the engine depends on.
type micTester interface {
	Stop()
}

// transport is the per-peer media session contract (peer.Conn in
// production).
type transport interface {
	PeerID() string
	CreateOffer() (string, error)
	HandleOffer(sdp string) (string, error)
	HandleAnswer(sdp string) error
	AddICECandidate(candidate string, sdpMid *string, sdpMLineIndex *uint16) error
	SendAudio(frame audio.EncodedFrame) error
	Decoded() <-chan audio.DecodedFrame
	Close()
}

// signalSession is the relay connection contract (signaling.Client in
// production).
type signalSession interface {
	Send() chan<- signaling.Message
	Recv() <-chan signaling.Message
	RTT() <-chan time.Duration
	Close()
}

// Engine is the top-level state machine. It is the exclusive owner of the
// peer transport registry - the single source of truth for who is in the
// call - and of the one CallState value.
type Engine struct {
	mu sync.Mutex

	signalingURL string
	inputDevice  string
	flags        *audio.Flags

	state   CallState
	localID string
	roomID  string

	capture  capturePipeline
	playback playbackPipeline
	micTest  micTester
	sess     signalSession
	peers    map[string]transport
	mix      *mixer

	iceSink   chan peer.CandidateEvent
	stateSink chan peer.StateEvent
	callDone  chan struct{}

	events chan Event

	// Construction seams; overridden in tests, real implementations in
	// production.
	dial          func(url string) (signalSession, error)
	newTransport  func(peerID string, ice chan<- peer.CandidateEvent, st chan<- peer.StateEvent) (transport, error)
	startCapture  func(device string, flags *audio.Flags) (capturePipeline, error)
	startPlayback func() (playbackPipeline, error)
	startMicTest  func(device string, flags *audio.Flags, levels chan<- float64) (micTester, error)
}

// New builds an idle engine from configuration.
func New(cfg config.Config) *Engine {
	e := &Engine{
		signalingURL: cfg.SignalingURL,
		inputDevice:  cfg.InputDevice,
		flags:        &audio.Flags{},
		state:        idleState(),
		events:       make(chan Event, 128),
	}
	e.flags.SetNoiseSuppression(cfg.NoiseSuppression)

	e.dial = func(url string) (signalSession, error) {
		return signaling.Connect(url)
	}
	e.newTransport = func(peerID string, ice chan<- peer.CandidateEvent, st chan<- peer.StateEvent) (transport, error) {
		return peer.NewConn(peerID, ice, st)
	}
	e.startCapture = func(device string, flags *audio.Flags) (capturePipeline, error) {
		return audio.StartCapture(device, flags)
	}
	e.startPlayback = func() (playbackPipeline, error) {
		return audio.StartPlayback()
	}
	e.startMicTest = func(device string, flags *audio.Flags, levels chan<- float64) (micTester, error) {
		return audio.StartMicTest(device, flags, levels)
	}
	return e
}

// Events delivers engine notifications toward the UI layer. Events that
// find the queue full are dropped with a log rather than stalling the
// call path.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// State returns a copy of the current call state.
func (e *Engine) State() CallState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CreateRoom generates a room id, joins it as its first member and
// returns the id for sharing.
func (e *Engine) CreateRoom(roomName, displayName string, password *string) (string, error) {
	roomID := uuid.NewString()
	if err := e.join(roomID, roomName, displayName, password); err != nil {
		return "", err
	}
	return roomID, nil
}

// JoinRoom joins an existing room by id.
func (e *Engine) JoinRoom(roomID, displayName string, password *string) error {
	return e.join(roomID, roomID, displayName, password)
}

func (e *Engine) join(roomID, roomName, displayName string, password *string) error {
	e.mu.Lock()
	if e.state.Status == StatusConnecting || e.state.Status == StatusInRoom {
		e.mu.Unlock()
		return fmt.Errorf("already in a call")
	}
	if e.micTest != nil {
		e.mu.Unlock()
		return fmt.Errorf("stop the mic test before joining a room")
	}
	url := e.signalingURL
	device := e.inputDevice
	e.setStateLocked(CallState{Status: StatusConnecting})
	e.mu.Unlock()

	fail := func(err error) error {
		e.setState(idleState())
		return err
	}

	sess, err := e.dial(url)
	if err != nil {
		return fail(err)
	}

	localID := uuid.NewString()
	sess.Send() <- signaling.NewJoin(roomID, localID, displayName, password)

	joined, err := awaitRoomJoined(sess)
	if err != nil {
		sess.Close()
		return fail(err)
	}

	cap, err := e.startCapture(device, e.flags)
	if err != nil {
		sess.Close()
		return fail(fmt.Errorf("failed to start audio capture: %w", err))
	}
	play, err := e.startPlayback()
	if err != nil {
		cap.Close()
		sess.Close()
		return fail(fmt.Errorf("failed to start audio playback: %w", err))
	}

	done := make(chan struct{})
	mix := newMixer(play.Write)

	e.mu.Lock()
	e.sess = sess
	e.localID = localID
	e.roomID = roomID
	e.capture = cap
	e.playback = play
	e.mix = mix
	e.peers = make(map[string]transport)
	e.iceSink = make(chan peer.CandidateEvent, 64)
	e.stateSink = make(chan peer.StateEvent, 64)
	e.callDone = done
	e.setStateLocked(CallState{
		Status:   StatusInRoom,
		RoomID:   roomID,
		RoomName: roomName,
		IsHost:   joined.IsHost,
		Locked:   joined.Locked,
	})
	e.mu.Unlock()

	go mix.run()
	go e.runCall(sess, cap, done)

	// As the newcomer we offer to every existing member; members added
	// later offer to us instead, which keeps negotiation glare-free.
	for _, p := range joined.Peers {
		if err := e.addPeer(p.PeerID, p.Name, true); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.join",
				"peer_id":  p.PeerID,
				"error":    err.Error(),
			}).Warn("Failed to set up peer, continuing without it")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Engine.join",
		"room_id":  roomID,
		"peers":    len(joined.Peers),
		"is_host":  joined.IsHost,
	}).Info("Joined room")

	return nil
}

// awaitRoomJoined drains the session until the relay confirms or rejects
// the join.
func awaitRoomJoined(sess signalSession) (signaling.Message, error) {
	timeout := time.After(joinTimeout)
	for {
		select {
		case msg, ok := <-sess.Recv():
			if !ok {
				return signaling.Message{}, fmt.Errorf("signaling connection lost during join")
			}
			switch msg.Type {
			case signaling.TypeRoomJoined:
				return msg, nil
			case signaling.TypeRoomLockedError:
				return signaling.Message{}, fmt.Errorf("room is locked")
			case signaling.TypeKicked:
				return signaling.Message{}, fmt.Errorf("join rejected")
			default:
				// Not ours yet; keep draining.
			}
		case <-timeout:
			return signaling.Message{}, fmt.Errorf("timed out waiting for room confirmation")
		}
	}
}

// LeaveRoom leaves the current room and returns the engine to idle. A
// no-op when no call is active.
func (e *Engine) LeaveRoom() error {
	e.mu.Lock()
	if e.callDone == nil {
		e.mu.Unlock()
		return nil
	}
	sess := e.sess
	roomID := e.roomID
	localID := e.localID
	e.mu.Unlock()

	select {
	case sess.Send() <- signaling.NewLeave(roomID, localID):
		// Best effort: wait for the write pump to drain the queue so the
		// relay hears the leave before the connection drops.
		deadline := time.Now().Add(leaveFlushTimeout)
		for len(sess.Send()) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	default:
	}

	e.teardownCall()
	e.setState(idleState())
	return nil
}

// SetMuted toggles the process-wide mute flag; it takes effect at the
// next frame boundary.
func (e *Engine) SetMuted(muted bool) {
	e.flags.SetMuted(muted)
}

// IsSpeaking reports the capture pipeline's voice-activity flag.
func (e *Engine) IsSpeaking() bool {
	e.mu.Lock()
	cap := e.capture
	e.mu.Unlock()
	return cap != nil && cap.IsSpeaking()
}

// ListInputDevices enumerates the available microphones.
func (e *Engine) ListInputDevices() []audio.Device {
	return audio.ListInputDevices()
}

// SetInputDevice selects the capture device for future calls and, when a
// call is live, restarts capture on the new device immediately.
func (e *Engine) SetInputDevice(deviceName string) error {
	e.mu.Lock()
	e.inputDevice = deviceName
	active := e.capture != nil
	e.mu.Unlock()

	if !active {
		return nil
	}

	next, err := e.startCapture(deviceName, e.flags)
	if err != nil {
		return fmt.Errorf("failed to switch input device: %w", err)
	}

	e.mu.Lock()
	old := e.capture
	e.capture = next
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// KickPeer asks the relay to remove a participant. Host-only; the relay
// enforces authorization server-side.
func (e *Engine) KickPeer(peerID string) error {
	return e.sendControl(signaling.Message{Type: signaling.TypeKick, PeerID: peerID})
}

// ForceMutePeer asks the relay to mute a participant. Host-only.
func (e *Engine) ForceMutePeer(peerID string) error {
	return e.sendControl(signaling.Message{Type: signaling.TypeForceMute, PeerID: peerID})
}

// LockRoom asks the relay to lock the room, optionally with a password.
// Host-only; a rejection arrives as a room_locked_error message.
func (e *Engine) LockRoom(password *string) error {
	return e.sendControl(signaling.Message{Type: signaling.TypeLockRoom, Password: password})
}

func (e *Engine) sendControl(msg signaling.Message) error {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("not in a call")
	}
	select {
	case sess.Send() <- msg:
		return nil
	default:
		return fmt.Errorf("signaling queue full")
	}
}

// SetSignalingURL changes the relay URL used by the next join.
func (e *Engine) SetSignalingURL(url string) {
	e.mu.Lock()
	e.signalingURL = url
	e.mu.Unlock()
}

// SetNoiseSuppression toggles the capture denoiser at the next frame
// boundary.
func (e *Engine) SetNoiseSuppression(enabled bool) {
	e.flags.SetNoiseSuppression(enabled)
}

// StartMicTest runs the loopback device check. Unavailable during a call:
// the test needs its own device handles.
func (e *Engine) StartMicTest() error {
	e.mu.Lock()
	if e.micTest != nil {
		e.mu.Unlock()
		return nil
	}
	if e.capture != nil {
		e.mu.Unlock()
		return fmt.Errorf("mic test unavailable during a call")
	}
	device := e.inputDevice
	e.mu.Unlock()

	levels := make(chan float64, 8)
	mt, err := e.startMicTest(device, e.flags, levels)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.micTest = mt
	e.mu.Unlock()

	go func() {
		for level := range levels {
			e.emit(Event{Type: EventMicLevel, Level: level})
		}
	}()
	return nil
}

// StopMicTest ends the loopback. Idempotent.
func (e *Engine) StopMicTest() {
	e.mu.Lock()
	mt := e.micTest
	e.micTest = nil
	e.mu.Unlock()
	if mt != nil {
		mt.Stop()
	}
}

// runCall is the per-call event loop: it fans captured frames out to every
// transport and dispatches signaling, ICE and connection-state events.
func (e *Engine) runCall(sess signalSession, cap capturePipeline, done chan struct{}) {
	frames := cap.Frames()
	rtt := sess.RTT()

	e.mu.Lock()
	iceSink := e.iceSink
	stateSink := e.stateSink
	e.mu.Unlock()

	for {
		select {
		case <-done:
			return

		case frame, ok := <-frames:
			if !ok {
				// Either the device was switched (a fresh capture is
				// registered) or the device failed mid-call.
				e.mu.Lock()
				current := e.capture
				e.mu.Unlock()
				if current != nil && current != cap {
					cap = current
					frames = cap.Frames()
					continue
				}
				e.failCall("audio capture ended unexpectedly")
				return
			}
			e.fanOut(frame)

		case msg, ok := <-sess.Recv():
			if !ok {
				e.failCall("signaling connection lost")
				return
			}
			e.handleSignal(msg)

		case ice := <-iceSink:
			e.sendSignal(ice.PeerID, ice.Payload)

		case st := <-stateSink:
			if st.Lost {
				logrus.WithFields(logrus.Fields{
					"function": "Engine.runCall",
					"peer_id":  st.PeerID,
					"state":    st.State.String(),
				}).Warn("Peer connection lost, tearing down transport")
				e.removePeer(st.PeerID, true)
			}

		case sample, ok := <-rtt:
			if !ok {
				rtt = nil
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Engine.runCall",
				"rtt_ms":   sample.Milliseconds(),
			}).Debug("Signaling RTT sample")
		}
	}
}

// fanOut sends one encoded frame to every live transport.
func (e *Engine) fanOut(frame audio.EncodedFrame) {
	e.mu.Lock()
	transports := make([]transport, 0, len(e.peers))
	for _, t := range e.peers {
		transports = append(transports, t)
	}
	e.mu.Unlock()

	for _, t := range transports {
		if err := t.SendAudio(frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.fanOut",
				"peer_id":  t.PeerID(),
				"error":    err.Error(),
			}).Debug("Audio send failed")
		}
	}
}

func (e *Engine) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeSignal:
		e.handlePeerSignal(msg)

	case signaling.TypePeerJoined:
		// The newcomer offers to us; we only prepare the transport.
		if err := e.addPeer(msg.PeerID, msg.Name, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.handleSignal",
				"peer_id":  msg.PeerID,
				"error":    err.Error(),
			}).Warn("Failed to set up joining peer")
		}

	case signaling.TypePeerLeft:
		e.removePeer(msg.PeerID, true)

	case signaling.TypeKicked:
		e.teardownCall()
		e.setState(idleState())
		e.emit(Event{Type: EventKicked})

	case signaling.TypeForceMuted:
		e.flags.SetMuted(true)
		e.emit(Event{Type: EventForceMuted})

	case signaling.TypeRoomLocked:
		e.mu.Lock()
		if e.state.Status == StatusInRoom {
			e.state.Locked = msg.Locked
			state := e.state
			e.mu.Unlock()
			e.emit(Event{Type: EventRoomLocked, Locked: msg.Locked})
			e.emit(Event{Type: EventStateChanged, State: &state})
		} else {
			e.mu.Unlock()
		}

	case signaling.TypeRoomLockedError:
		e.emit(Event{Type: EventError, Message: "room lock change rejected"})

	default:
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handleSignal",
			"type":     msg.Type,
		}).Debug("Ignoring signaling message")
	}
}

// handlePeerSignal dispatches SDP and ICE to the transport matching the
// sender. An unmatched sender is dropped with a log, never fatal.
func (e *Engine) handlePeerSignal(msg signaling.Message) {
	if msg.Payload == nil || msg.From == "" {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handlePeerSignal",
		}).Warn("Malformed signal message dropped")
		return
	}

	e.mu.Lock()
	t, ok := e.peers[msg.From]
	e.mu.Unlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handlePeerSignal",
			"from":     msg.From,
			"kind":     msg.Payload.Kind,
		}).Warn("Signal for unknown peer dropped")
		return
	}

	switch msg.Payload.Kind {
	case signaling.KindOffer:
		answer, err := t.HandleOffer(msg.Payload.SDP)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.handlePeerSignal",
				"from":     msg.From,
				"error":    err.Error(),
			}).Warn("Failed to handle offer, dropping peer")
			e.removePeer(msg.From, true)
			return
		}
		e.sendSignal(msg.From, signaling.Payload{Kind: signaling.KindAnswer, SDP: answer})

	case signaling.KindAnswer:
		if err := t.HandleAnswer(msg.Payload.SDP); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.handlePeerSignal",
				"from":     msg.From,
				"error":    err.Error(),
			}).Warn("Failed to apply answer")
		}

	case signaling.KindICECandidate:
		err := t.AddICECandidate(msg.Payload.Candidate, msg.Payload.SDPMid, msg.Payload.SDPMLineIndex)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.handlePeerSignal",
				"from":     msg.From,
				"error":    err.Error(),
			}).Warn("Failed to add ICE candidate")
		}

	default:
		logrus.WithFields(logrus.Fields{
			"function": "Engine.handlePeerSignal",
			"kind":     msg.Payload.Kind,
		}).Warn("Unknown signal payload kind dropped")
	}
}

// addPeer registers a transport for peerID and, when offer is set,
// initiates negotiation toward it.
func (e *Engine) addPeer(peerID, name string, offer bool) error {
	e.mu.Lock()
	if e.callDone == nil {
		e.mu.Unlock()
		return fmt.Errorf("no active call")
	}
	if _, exists := e.peers[peerID]; exists {
		e.mu.Unlock()
		return nil
	}
	t, err := e.newTransport(peerID, e.iceSink, e.stateSink)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.peers[peerID] = t
	done := e.callDone
	mix := e.mix
	e.mu.Unlock()

	go forwardDecoded(peerID, t, mix, done)
	e.emit(Event{Type: EventPeerJoined, PeerID: peerID, Name: name})

	if offer {
		sdp, err := t.CreateOffer()
		if err != nil {
			e.removePeer(peerID, false)
			return fmt.Errorf("failed to create offer for %s: %w", peerID, err)
		}
		e.sendSignal(peerID, signaling.Payload{Kind: signaling.KindOffer, SDP: sdp})
	}
	return nil
}

// forwardDecoded moves one transport's decoded frames into the mixer until
// the transport or the call ends.
func forwardDecoded(peerID string, t transport, mix *mixer, done chan struct{}) {
	for frame := range t.Decoded() {
		select {
		case mix.in <- mixInput{peerID: peerID, samples: frame.Samples}:
		case <-done:
			return
		}
	}
}

// removePeer closes and forgets one transport.
func (e *Engine) removePeer(peerID string, emitLeft bool) {
	e.mu.Lock()
	t, ok := e.peers[peerID]
	if ok {
		delete(e.peers, peerID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	t.Close()
	if emitLeft {
		e.emit(Event{Type: EventPeerLeft, PeerID: peerID})
	}
}

// sendSignal relays one negotiation payload to a peer through signaling.
func (e *Engine) sendSignal(to string, payload signaling.Payload) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return
	}
	select {
	case sess.Send() <- signaling.NewSignal(to, payload):
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Engine.sendSignal",
			"to":       to,
			"kind":     payload.Kind,
		}).Warn("Signaling queue full, message dropped")
	}
}

// failCall tears the call down after an unexpected loss and surfaces an
// Error state. A no-op when no call is active.
func (e *Engine) failCall(message string) {
	e.mu.Lock()
	active := e.callDone != nil
	e.mu.Unlock()
	if !active {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Engine.failCall",
		"reason":   message,
	}).Error("Call failed")
	e.teardownCall()
	e.setState(errorState(message))
	e.emit(Event{Type: EventError, Message: message})
}

// teardownCall closes every transport, stops the pipelines and the
// signaling session, and clears the call fields. Idempotent.
func (e *Engine) teardownCall() {
	e.mu.Lock()
	if e.callDone == nil {
		e.mu.Unlock()
		return
	}
	done := e.callDone
	e.callDone = nil
	peers := e.peers
	e.peers = nil
	cap := e.capture
	e.capture = nil
	play := e.playback
	e.playback = nil
	sess := e.sess
	e.sess = nil
	mix := e.mix
	e.mix = nil
	e.roomID = ""
	e.localID = ""
	e.mu.Unlock()

	close(done)
	for _, t := range peers {
		t.Close()
	}
	if cap != nil {
		cap.Close()
	}
	if play != nil {
		play.Close()
	}
	if mix != nil {
		mix.stop()
	}
	if sess != nil {
		sess.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Engine.teardownCall",
		"closed_peers": len(peers),
	}).Info("Call torn down")
}

func (e *Engine) setState(state CallState) {
	e.mu.Lock()
	e.setStateLocked(state)
	e.mu.Unlock()
}

// setStateLocked updates the call state and queues the notification.
// Callers hold e.mu.
func (e *Engine) setStateLocked(state CallState) {
	e.state = state
	copied := state
	e.emit(Event{Type: EventStateChanged, State: &copied})
}

func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Engine.emit",
			"type":     event.Type,
		}).Warn("Event queue full, notification dropped")
	}
}
