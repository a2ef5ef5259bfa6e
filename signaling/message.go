// Package signaling implements the relay-server control channel: the tagged
// JSON wire protocol and the persistent websocket client with keepalive
// and round-trip-time measurement.
package signaling

// Type discriminates the signaling messages. Wire values are snake_case
// and carried in the "type" field; all variant fields are flattened into
// the same JSON object.
type Type string

const (
	// Client → server.
	TypeJoin      Type = "join"
	TypeLeave     Type = "leave"
	TypeKick      Type = "kick"
	TypeForceMute Type = "force_mute"
	TypeLockRoom  Type = "lock_room"

	// Bidirectional: SDP and ICE relay between peers.
	TypeSignal Type = "signal"

	// Server → client.
	TypeRoomJoined      Type = "room_joined"
	TypePeerJoined      Type = "peer_joined"
	TypePeerLeft        Type = "peer_left"
	TypeKicked          Type = "kicked"
	TypeForceMuted      Type = "force_muted"
	TypeRoomLocked      Type = "room_locked"
	TypeRoomLockedError Type = "room_locked_error"
)

// PayloadKind discriminates the negotiation payload carried inside a
// signal message, tagged on the "kind" field.
type PayloadKind string

const (
	KindOffer        PayloadKind = "offer"
	KindAnswer       PayloadKind = "answer"
	KindICECandidate PayloadKind = "ice_candidate"
)

// PeerInfo identifies one room participant. Read-only reference data; the
// authoritative membership registry lives in the engine.
type PeerInfo struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

// Payload is the negotiation artifact relayed between two peers: an SDP
// offer or answer, or a trickled ICE candidate.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// Offer / answer.
	SDP string `json:"sdp,omitempty"`

	// ICE candidate.
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// Message is one signaling frame. The populated fields depend on Type;
// unused fields are omitted from the wire form.
type Message struct {
	Type Type `json:"type"`

	RoomID   string  `json:"room_id,omitempty"`
	PeerID   string  `json:"peer_id,omitempty"`
	Name     string  `json:"name,omitempty"`
	Password *string `json:"password,omitempty"`

	To      string   `json:"to,omitempty"`
	From    string   `json:"from,omitempty"`
	Payload *Payload `json:"payload,omitempty"`

	Peers  []PeerInfo `json:"peers,omitempty"`
	IsHost bool       `json:"is_host,omitempty"`
	Locked bool       `json:"locked,omitempty"`
}

// NewJoin builds the join request for a room.
func NewJoin(roomID, peerID, name string, password *string) Message {
	return Message{Type: TypeJoin, RoomID: roomID, PeerID: peerID, Name: name, Password: password}
}

// NewLeave builds the leave notification for a room.
func NewLeave(roomID, peerID string) Message {
	return Message{Type: TypeLeave, RoomID: roomID, PeerID: peerID}
}

// NewSignal builds a directed negotiation message.
func NewSignal(to string, payload Payload) Message {
	return Message{Type: TypeSignal, To: to, Payload: &payload}
}
