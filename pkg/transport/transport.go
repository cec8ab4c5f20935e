// Package transport abstracts how a room reaches the network. The session
// layer never touches sockets; it claims a room code on one side, dials the
// same code on the other, and moves opaque frames over whatever channel the
// transport produced. Implementations guarantee ordered, reliable delivery
// per channel and nothing across channels.
package transport

import (
	"context"
	"errors"
	"time"
)

// DefaultOpenTimeout bounds claiming, dialing and handshaking. A transport
// operation that cannot finish inside this window reports failure rather
// than hanging a lobby on a half-dead network.
const DefaultOpenTimeout = 10 * time.Second

var (
	// ErrRoomTaken reports that the room code is already claimed by a
	// live host. Callers pick a different code; retrying the same one
	// will keep failing until the holder goes away.
	ErrRoomTaken = errors.New("transport: room code already in use")

	// ErrConnectFailed reports that no host answered for a room code.
	ErrConnectFailed = errors.New("transport: connect failed")

	// ErrChannelClosed reports a send on a channel that is gone.
	ErrChannelClosed = errors.New("transport: channel closed")
)

// Transport opens endpoints. One value serves any number of rooms.
type Transport interface {
	// OpenAsHost claims a room code and starts listening for clients.
	// It fails with ErrRoomTaken if another live host holds the code.
	OpenAsHost(ctx context.Context, code string) (Endpoint, error)

	// OpenAsClient prepares an endpoint that can dial room codes.
	OpenAsClient(ctx context.Context) (Endpoint, error)
}

// Endpoint is one side's attachment to the network. Host endpoints accept,
// client endpoints connect; the unused direction is inert. Close is
// idempotent and also tears down channels the endpoint produced.
type Endpoint interface {
	// Accept yields inbound channels on a host endpoint. The channel
	// stops yielding after Close; it is never closed, so consumers
	// select against their own shutdown signal.
	Accept() <-chan Channel

	// Connect dials the host for a room code from a client endpoint.
	Connect(ctx context.Context, code string) (Channel, error)

	// Addr describes the endpoint for logs and join instructions.
	Addr() string

	Close() error
}

// Channel is one ordered, reliable conversation between a host and a single
// client. Recv is closed exactly once when the channel dies, whichever side
// caused it. Close is idempotent.
type Channel interface {
	Send(b []byte) error
	Recv() <-chan []byte
	Close() error
}
