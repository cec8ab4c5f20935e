package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/okvee/peertable/pkg/protocol"
	"github.com/okvee/peertable/pkg/room"
	"github.com/okvee/peertable/pkg/transport"
)

// DefaultConfirmTimeout bounds how long a sent join waits for the host's
// room snapshot before the attempt counts as failed.
const DefaultConfirmTimeout = 5 * time.Second

func defaultReconnectDelays() []time.Duration {
	return []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
}

// ClientOptions configures one client session.
type ClientOptions struct {
	// DisplayName is shown to the table. The host takes the latest one
	// a device presents, so rejoining with a new name renames the seat.
	DisplayName string

	// ConfirmTimeout overrides DefaultConfirmTimeout.
	ConfirmTimeout time.Duration

	// ReconnectDelays is the backoff ladder after a dropped link; one
	// attempt per entry. Default one, two, four seconds.
	ReconnectDelays []time.Duration

	// KeepaliveInterval paces idle traffic so NAT entries and middle
	// boxes keep the path warm. Zero means the default twenty seconds;
	// negative disables keepalives.
	KeepaliveInterval time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.DisplayName == "" {
		o.DisplayName = "Player"
	}
	if o.ConfirmTimeout == 0 {
		o.ConfirmTimeout = DefaultConfirmTimeout
	}
	if len(o.ReconnectDelays) == 0 {
		o.ReconnectDelays = defaultReconnectDelays()
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = 20 * time.Second
	}
	return o
}

// Client is one seat's view of a room. It holds whatever the host last
// said and nothing else; on reconnect it simply presents the same device
// id and takes the fresh snapshots, which is the whole resume story.
type Client struct {
	tr       transport.Transport
	opts     ClientOptions
	roomCode string
	deviceID string

	mu      sync.Mutex
	ep      transport.Endpoint
	ch      transport.Channel
	rm      *room.State
	gameRaw []byte

	events       chan Event
	done         chan struct{}
	once         sync.Once
	leaving      atomic.Bool
	reconnecting atomic.Bool
}

// Dial joins a room and returns once the host has confirmed the seat with
// a room snapshot. ErrRoomGone means the host dissolved the room while we
// were knocking; ErrJoinFailed covers silence and dead channels.
func Dial(ctx context.Context, tr transport.Transport, roomCode, deviceID string, opts ClientOptions) (*Client, error) {
	c := &Client{
		tr:       tr,
		opts:     opts.withDefaults(),
		roomCode: room.Normalize(roomCode),
		deviceID: deviceID,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}

	ep, ch, err := c.establish(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.ep, c.ch = ep, ch
	c.mu.Unlock()

	go c.readLoop(ch)
	go c.keepaliveLoop()
	return c, nil
}

// DeviceID is the durable identity this client presents.
func (c *Client) DeviceID() string { return c.deviceID }

// RoomCode is the code this client dialed.
func (c *Client) RoomCode() string { return c.roomCode }

// Events surfaces everything worth rendering. EventDropped is terminal;
// the channel stays open but goes quiet after it.
func (c *Client) Events() <-chan Event { return c.events }

// Room is the last room snapshot the host sent, or nil after the session
// ends. Callers must treat it as read-only.
func (c *Client) Room() *room.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rm
}

// GameState is the last encoded game snapshot, nil while the room is in
// the lobby.
func (c *Client) GameState() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gameRaw == nil {
		return nil
	}
	return append([]byte(nil), c.gameRaw...)
}

// Act submits a move. The host applies it or silently drops it; either
// way the next word on the matter is a broadcast.
func (c *Client) Act(payload []byte) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	raw, err := protocol.Encode(protocol.OpcodeAction, json.RawMessage(payload), "")
	if err != nil {
		return err
	}
	return ch.Send(raw)
}

// Leave tells the host this seat is gone for good and ends the session.
// Unlike a dropped link, a leave is never reconnected.
func (c *Client) Leave() {
	c.leaving.Store(true)
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		code(ch, protocol.OpcodeLeave, nil, "")
	}
	c.terminate(DropLeft)
}

// Close ends the session without telling the host anything. The seat will
// sit out the host's grace period and then show as disconnected.
func (c *Client) Close() {
	c.leaving.Store(true)
	c.terminate(DropLeft)
}

// establish opens a fresh endpoint, dials the room, presents our device
// id and waits for the confirming room snapshot. Frames that arrive ahead
// of the confirmation, like the game catch-up on a mid-game rejoin, are
// applied rather than lost.
func (c *Client) establish(ctx context.Context) (transport.Endpoint, transport.Channel, error) {
	ep, err := c.tr.OpenAsClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open endpoint: %w", err)
	}
	ch, err := ep.Connect(ctx, c.roomCode)
	if err != nil {
		ep.Close()
		return nil, nil, err
	}

	listener := uuid.NewString()
	raw, err := protocol.Encode(protocol.OpcodeJoin, protocol.JoinPayload{
		DeviceID:    c.deviceID,
		DisplayName: c.opts.DisplayName,
	}, listener)
	if err != nil {
		ep.Close()
		return nil, nil, err
	}
	if err := ch.Send(raw); err != nil {
		ep.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	confirm := time.NewTimer(c.opts.ConfirmTimeout)
	defer confirm.Stop()

	for {
		select {
		case in, ok := <-ch.Recv():
			if !ok {
				ep.Close()
				return nil, nil, fmt.Errorf("%w: channel closed before confirmation", ErrJoinFailed)
			}
			env, err := protocol.Decode(in)
			if err != nil {
				continue
			}
			switch env.Opcode {
			case protocol.OpcodeRoomState:
				st, err := protocol.DecodePayload[room.State](env)
				if err != nil {
					continue
				}
				c.setRoom(&st)
				return ep, ch, nil
			case protocol.OpcodeGameState:
				c.setGame(env.Payload)
			case protocol.OpcodeError:
				if p, err := protocol.DecodePayload[protocol.ErrorPayload](env); err == nil {
					c.emit(EventNotice{Message: p.Message})
				}
			case protocol.OpcodeHostGone:
				ep.Close()
				return nil, nil, ErrRoomGone
			}
		case <-confirm.C:
			ep.Close()
			return nil, nil, fmt.Errorf("%w: no snapshot within %s", ErrJoinFailed, c.opts.ConfirmTimeout)
		case <-c.done:
			ep.Close()
			return nil, nil, ErrSessionClosed
		}
	}
}

func (c *Client) readLoop(ch transport.Channel) {
	for raw := range ch.Recv() {
		env, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("session: %s: dropping frame: %s", c.roomCode, err.Error())
			continue
		}
		switch env.Opcode {
		case protocol.OpcodeRoomState:
			if st, err := protocol.DecodePayload[room.State](env); err == nil {
				c.setRoom(&st)
			}
		case protocol.OpcodeGameState:
			c.setGame(env.Payload)
		case protocol.OpcodeError:
			if p, err := protocol.DecodePayload[protocol.ErrorPayload](env); err == nil {
				c.emit(EventNotice{Message: p.Message})
			}
		case protocol.OpcodeHostGone:
			c.terminate(DropHostGone)
			return
		case protocol.OpcodeKeepalive:
			// Our own echo coming home.
		}
	}

	// The channel died underneath us.
	if c.leaving.Load() {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	go c.reconnectLoop()
}

// reconnectLoop walks the backoff ladder. Each rung is a full fresh join:
// new endpoint, new channel, same device id. The host treats the return as
// a rebind, so from everyone else's point of view the seat never moved.
func (c *Client) reconnectLoop() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	c.closeLink()

	for attempt := 1; attempt <= len(c.opts.ReconnectDelays); attempt++ {
		c.emit(EventReconnecting{Attempt: attempt})
		select {
		case <-time.After(c.opts.ReconnectDelays[attempt-1]):
		case <-c.done:
			return
		}

		ep, ch, err := c.establish(context.Background())
		if err != nil {
			if errors.Is(err, ErrRoomGone) {
				c.terminate(DropHostGone)
				return
			}
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			log.Printf("session: %s: reconnect %d/%d failed: %s",
				c.roomCode, attempt, len(c.opts.ReconnectDelays), err.Error())
			continue
		}

		c.mu.Lock()
		c.ep, c.ch = ep, ch
		c.mu.Unlock()
		log.Printf("session: %s: reconnected on attempt %d", c.roomCode, attempt)
		c.emit(EventReconnected{})
		go c.readLoop(ch)
		return
	}

	c.terminate(DropLostConnection)
}

func (c *Client) keepaliveLoop() {
	if c.opts.KeepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			ch := c.ch
			c.mu.Unlock()
			if ch != nil {
				code(ch, protocol.OpcodeKeepalive, nil, "")
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) setRoom(st *room.State) {
	c.mu.Lock()
	c.rm = st
	c.mu.Unlock()
	c.emit(EventRoomUpdated{Room: st})
}

func (c *Client) setGame(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	cp := append([]byte(nil), raw...)
	c.mu.Lock()
	c.gameRaw = cp
	c.mu.Unlock()
	c.emit(EventGameUpdated{Raw: cp})
}

func (c *Client) closeLink() {
	c.mu.Lock()
	ep, ch := c.ep, c.ch
	c.ep, c.ch = nil, nil
	c.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	if ep != nil {
		ep.Close()
	}
}

// terminate ends the session exactly once. The cached snapshots are
// dropped so nothing renders a room that no longer exists.
func (c *Client) terminate(reason DropReason) {
	c.once.Do(func() {
		close(c.done)
		c.closeLink()
		c.mu.Lock()
		c.rm = nil
		c.gameRaw = nil
		c.mu.Unlock()
		log.Printf("session: %s: session over (%s)", c.roomCode, reason)
		c.emit(EventDropped{Reason: reason})
	})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("session: %s: dropping event, consumer fell behind", c.roomCode)
	}
}
