// Package mem is an in-process transport. It gives tests and same-machine
// demos the exact contract the networked transports provide, including room
// claims, ordered delivery and abrupt channel loss, without opening a single
// socket.
package mem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okvee/peertable/pkg/transport"
)

// Transport is a fake network segment. Hosts claim codes on it, clients
// dial codes on it; two Transports never see each other.
type Transport struct {
	mu    sync.Mutex
	rooms map[string]*hostEndpoint
}

func New() *Transport {
	return &Transport{rooms: make(map[string]*hostEndpoint)}
}

func (t *Transport) OpenAsHost(_ context.Context, code string) (transport.Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.rooms[code]; taken {
		return nil, fmt.Errorf("%w: %q", transport.ErrRoomTaken, code)
	}
	ep := &hostEndpoint{
		t:      t,
		code:   code,
		accept: make(chan transport.Channel, 16),
		done:   make(chan struct{}),
	}
	t.rooms[code] = ep
	return ep, nil
}

func (t *Transport) OpenAsClient(context.Context) (transport.Endpoint, error) {
	return &clientEndpoint{t: t}, nil
}

// Sever cuts every live channel for a room while leaving the claim and the
// listener intact, the way a network blip would. Reconnecting afterwards
// succeeds against the same host endpoint.
func (t *Transport) Sever(code string) {
	t.mu.Lock()
	ep := t.rooms[code]
	t.mu.Unlock()
	if ep == nil {
		return
	}
	ep.mu.Lock()
	pipes := ep.pipes
	ep.pipes = nil
	ep.mu.Unlock()
	for _, p := range pipes {
		p.close()
	}
}

func (t *Transport) lookup(code string) *hostEndpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms[code]
}

type hostEndpoint struct {
	t    *Transport
	code string

	accept chan transport.Channel
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	pipes  []*pipe

	closeOnce sync.Once
}

func (ep *hostEndpoint) Accept() <-chan transport.Channel { return ep.accept }

func (ep *hostEndpoint) Connect(context.Context, string) (transport.Channel, error) {
	return nil, fmt.Errorf("%w: host endpoint cannot dial", transport.ErrConnectFailed)
}

func (ep *hostEndpoint) Addr() string { return "mem://" + ep.code }

func (ep *hostEndpoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.t.mu.Lock()
		delete(ep.t.rooms, ep.code)
		ep.t.mu.Unlock()

		ep.mu.Lock()
		ep.closed = true
		pipes := ep.pipes
		ep.pipes = nil
		ep.mu.Unlock()

		close(ep.done)
		for _, p := range pipes {
			p.close()
		}
	})
	return nil
}

func (ep *hostEndpoint) attach(ctx context.Context, p *pipe) (transport.Channel, error) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil, fmt.Errorf("%w: room %q closed", transport.ErrConnectFailed, ep.code)
	}
	ep.pipes = append(ep.pipes, p)
	ep.mu.Unlock()

	select {
	case ep.accept <- p.host:
		return p.client, nil
	case <-ep.done:
		p.close()
		return nil, fmt.Errorf("%w: room %q closed", transport.ErrConnectFailed, ep.code)
	case <-ctx.Done():
		p.close()
		return nil, ctx.Err()
	}
}

type clientEndpoint struct {
	t *Transport

	mu    sync.Mutex
	pipes []*pipe
}

func (ep *clientEndpoint) Accept() <-chan transport.Channel { return nil }

func (ep *clientEndpoint) Connect(ctx context.Context, code string) (transport.Channel, error) {
	host := ep.t.lookup(code)
	if host == nil {
		return nil, fmt.Errorf("%w: no host for room %q", transport.ErrConnectFailed, code)
	}
	p := newPipe()
	ch, err := host.attach(ctx, p)
	if err != nil {
		return nil, err
	}
	ep.mu.Lock()
	ep.pipes = append(ep.pipes, p)
	ep.mu.Unlock()
	return ch, nil
}

func (ep *clientEndpoint) Addr() string { return "mem://" }

func (ep *clientEndpoint) Close() error {
	ep.mu.Lock()
	pipes := ep.pipes
	ep.pipes = nil
	ep.mu.Unlock()
	for _, p := range pipes {
		p.close()
	}
	return nil
}

// pipe is one host/client conversation. Closing either side closes both,
// like a dropped TCP connection.
type pipe struct {
	once   sync.Once
	host   *memChannel
	client *memChannel
}

func newPipe() *pipe {
	p := &pipe{
		host:   &memChannel{recv: make(chan []byte, 256)},
		client: &memChannel{recv: make(chan []byte, 256)},
	}
	p.host.pipe, p.client.pipe = p, p
	p.host.peer, p.client.peer = p.client, p.host
	return p
}

func (p *pipe) close() {
	p.once.Do(func() {
		for _, m := range []*memChannel{p.host, p.client} {
			m.mu.Lock()
			m.closed = true
			close(m.recv)
			m.mu.Unlock()
		}
	})
}

type memChannel struct {
	pipe *pipe
	peer *memChannel

	mu     sync.Mutex
	closed bool
	recv   chan []byte
}

func (m *memChannel) Send(b []byte) error {
	p := m.peer
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrChannelClosed
	}
	cp := append([]byte(nil), b...)
	select {
	case p.recv <- cp:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("%w: receiver stalled", transport.ErrChannelClosed)
	}
}

func (m *memChannel) Recv() <-chan []byte { return m.recv }

func (m *memChannel) Close() error {
	m.pipe.close()
	return nil
}
