package session

import "github.com/okvee/peertable/pkg/room"

// Event is what a session surfaces to whatever renders it. Events carry
// detached snapshots; holding on to one never races the session.
type Event any

// EventRoomUpdated delivers the latest full room snapshot.
type EventRoomUpdated struct {
	Room *room.State
}

// EventGameUpdated delivers the latest full game snapshot, still encoded.
// Only the engine for the room's game kind knows the shape inside.
type EventGameUpdated struct {
	Raw []byte
}

// EventNotice is a human-readable message from the host.
type EventNotice struct {
	Message string
}

// EventReconnecting reports that the link dropped and attempt n is about
// to be made.
type EventReconnecting struct {
	Attempt int
}

// EventReconnected reports that a reconnection attempt landed and the
// session is live again.
type EventReconnected struct{}

// EventDropped is terminal: the session is over and no further events
// follow. Reason says why.
type EventDropped struct {
	Reason DropReason
}

type DropReason string

const (
	// DropHostGone means the host announced it was dissolving the room,
	// or had already vanished when we tried to come back.
	DropHostGone DropReason = "host_gone"

	// DropLostConnection means every reconnection attempt failed.
	DropLostConnection DropReason = "lost_connection"

	// DropLeft means this side chose to leave.
	DropLeft DropReason = "left"
)
