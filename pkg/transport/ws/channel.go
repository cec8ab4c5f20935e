package ws

import (
	"fmt"
	"sync"

	fwebsocket "github.com/fasthttp/websocket"

	"github.com/okvee/peertable/pkg/transport"
)

// wsconn is the slice of a websocket connection the channel needs. Both the
// server-side contrib conn and the client-side dialer conn satisfy it.
type wsconn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsChannel adapts one websocket connection to transport.Channel. Writes
// are serialized behind a mutex because websocket connections allow only
// one concurrent writer.
type wsChannel struct {
	conn wsconn

	writeMu sync.Mutex
	recv    chan []byte
	done    chan struct{}
	once    sync.Once
}

func newChannel(conn wsconn) *wsChannel {
	return &wsChannel{
		conn: conn,
		recv: make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

// readPump moves inbound frames onto recv until the connection dies. It
// owns recv and closes it on the way out; exactly one goroutine runs it
// per channel.
func (ch *wsChannel) readPump() {
	defer close(ch.recv)
	for {
		_, raw, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}
		cp := append([]byte(nil), raw...)
		select {
		case ch.recv <- cp:
		case <-ch.done:
			return
		}
	}
}

func (ch *wsChannel) Send(b []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	select {
	case <-ch.done:
		return transport.ErrChannelClosed
	default:
	}
	if err := ch.conn.WriteMessage(fwebsocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrChannelClosed, err)
	}
	return nil
}

func (ch *wsChannel) Recv() <-chan []byte { return ch.recv }

func (ch *wsChannel) Close() error {
	ch.once.Do(func() {
		close(ch.done)
		ch.conn.Close()
	})
	return nil
}
