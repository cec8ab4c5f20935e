package protocol

import (
	"github.com/goccy/go-json"
)

// Opcodes sent from a client to the host.
const (
	OpcodeJoin      = "JOIN"
	OpcodeAction    = "ACTION"
	OpcodeLeave     = "LEAVE"
	OpcodeKeepalive = "KEEPALIVE"
)

// Opcodes sent from the host to clients.
const (
	OpcodeRoomState = "ROOM_STATE"
	OpcodeGameState = "GAME_STATE"
	OpcodeError     = "ERROR"
	OpcodeHostGone  = "HOST_GONE"
)

// Envelope is the single wire frame exchanged between a host and its
// clients. Every frame is a complete snapshot or a complete intent; the
// protocol never ships deltas, so frames can be applied in isolation and
// a reconnecting client only ever needs the latest one of each kind.
type Envelope struct {
	Opcode  string          `json:"opcode" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Listener is an opaque correlation token. A client may set it on a
	// request and the host echoes it on the direct reply, which lets the
	// sender tell its own reply apart from an ordinary broadcast.
	Listener string `json:"listener,omitempty"`
}

// JoinPayload carries the durable device identity for a JOIN. The device id
// survives reconnects; the host uses it to recognize a returning player no
// matter which physical channel they arrive on.
type JoinPayload struct {
	DeviceID    string `json:"device_id" validate:"required,max=40"`
	DisplayName string `json:"display_name" validate:"required,max=32"`
}

// ErrorPayload is a human-readable notice. Protocol rejections are never
// reported this way; ERROR is reserved for conditions the user should see,
// such as being removed from the room.
type ErrorPayload struct {
	Message string `json:"message"`
}
