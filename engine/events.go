package engine

// EventType names the notifications the engine emits toward the UI layer.
type EventType string

const (
	EventStateChanged EventType = "state-changed"
	EventPeerJoined   EventType = "peer-joined"
	EventPeerLeft     EventType = "peer-left"
	EventError        EventType = "error"
	EventKicked       EventType = "kicked"
	EventForceMuted   EventType = "force-muted"
	EventRoomLocked   EventType = "room-locked"
	EventMicLevel     EventType = "mic-test-level"
)

// Event is one engine notification. The populated fields depend on Type:
// state changes carry State, peer events carry PeerID/Name, errors carry
// Message, room-locked carries Locked and mic-test metering carries Level.
type Event struct {
	Type    EventType
	State   *CallState
	PeerID  string
	Name    string
	Message string
	Locked  bool
	Level   float64
}
