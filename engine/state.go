package engine

// CallStatus names the phase of the call state machine.
type CallStatus string

const (
	// StatusIdle means no call is active.
	StatusIdle CallStatus = "idle"
	// StatusConnecting means a join is in flight.
	StatusConnecting CallStatus = "connecting"
	// StatusInRoom means the engine is a live room participant.
	StatusInRoom CallStatus = "in_room"
	// StatusError means the last call ended abnormally.
	StatusError CallStatus = "error"
)

// CallState is the engine's single authoritative call state. Exactly one
// value exists, owned by the engine; transitions drive UI notification.
type CallState struct {
	Status   CallStatus `json:"state"`
	RoomID   string     `json:"room_id,omitempty"`
	RoomName string     `json:"room_name,omitempty"`
	IsHost   bool       `json:"is_host,omitempty"`
	Locked   bool       `json:"locked,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// idleState is the resting state.
func idleState() CallState {
	return CallState{Status: StatusIdle}
}

// errorState reports an abnormal call end.
func errorState(message string) CallState {
	return CallState{Status: StatusError, Message: message}
}
