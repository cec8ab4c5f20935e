package session

import "errors"

var (
	// ErrSessionClosed reports an operation on a session that has shut
	// down, whichever side closed it first.
	ErrSessionClosed = errors.New("session: closed")

	// ErrWrongPhase reports a host command the current room phase does
	// not allow, such as starting a game that is already running.
	ErrWrongPhase = errors.New("session: not allowed in this phase")

	// ErrUnknownGame reports a game kind no engine is registered for.
	ErrUnknownGame = errors.New("session: unknown game kind")

	// ErrNoGameSelected reports a start with no game chosen yet.
	ErrNoGameSelected = errors.New("session: no game selected")

	// ErrNoSuchPlayer reports a removal of a device id nobody holds.
	ErrNoSuchPlayer = errors.New("session: no such player")

	// ErrHostSeat reports an attempt to remove the host's own seat. The
	// host leaves by closing the room.
	ErrHostSeat = errors.New("session: the host seat cannot be removed")

	// ErrJoinFailed reports that a join was sent but no room snapshot
	// came back in time.
	ErrJoinFailed = errors.New("session: join failed")

	// ErrRoomGone reports that the host announced the room's end.
	ErrRoomGone = errors.New("session: room is gone")

	// ErrNotConnected reports a send while the link is down.
	ErrNotConnected = errors.New("session: not connected")
)
