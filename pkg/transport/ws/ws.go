// Package ws carries rooms over plain websockets. The room code alone
// addresses a host: it picks a port inside a fixed range and a URL path
// under the shared namespace, so hosts and clients on the same network
// agree on where a room lives without exchanging anything but the code.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	fwebsocket "github.com/fasthttp/websocket"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	loggermw "github.com/gofiber/fiber/v2/middleware/logger"
	recovermw "github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/okvee/peertable/pkg/room"
	"github.com/okvee/peertable/pkg/transport"
)

// Options tunes one Transport. Zero values fall back to the defaults below.
type Options struct {
	// BindHost is the interface hosts listen on.
	BindHost string

	// GatewayHost is the address clients dial. On a LAN this is the
	// host machine's address; for same-machine play the default works.
	GatewayHost string

	// BasePort and PortSpan bound the range room codes map into.
	BasePort int
	PortSpan int

	// OpenTimeout bounds claim, dial and handshake operations.
	OpenTimeout time.Duration

	// AllowedOrigins is matched against the Origin header of inbound
	// upgrades, with '*' as a wildcard.
	AllowedOrigins []string
}

const (
	DefaultBasePort = 42000
	DefaultPortSpan = 512
)

func (o Options) withDefaults() Options {
	if o.BindHost == "" {
		o.BindHost = "0.0.0.0"
	}
	if o.GatewayHost == "" {
		o.GatewayHost = "127.0.0.1"
	}
	if o.BasePort == 0 {
		o.BasePort = DefaultBasePort
	}
	if o.PortSpan == 0 {
		o.PortSpan = DefaultPortSpan
	}
	if o.OpenTimeout == 0 {
		o.OpenTimeout = transport.DefaultOpenTimeout
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	return o
}

type Transport struct {
	opts     Options
	patterns []*regexp.Regexp
}

func New(opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{opts: opts, patterns: compilePatterns(opts.AllowedOrigins)}
}

// OpenAsHost binds the port the code maps to and serves the room's path on
// it. A port already held by anyone, including an unrelated program, means
// the code cannot be claimed and surfaces as ErrRoomTaken.
func (t *Transport) OpenAsHost(ctx context.Context, code string) (transport.Endpoint, error) {
	code = room.Normalize(code)
	if !room.ValidCode(code) {
		return nil, fmt.Errorf("invalid room code %q", code)
	}

	addr := net.JoinHostPort(t.opts.BindHost, strconv.Itoa(room.PortFor(code, t.opts.BasePort, t.opts.PortSpan)))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %q maps to %s", transport.ErrRoomTaken, code, addr)
		}
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	ep := &hostEndpoint{
		t:      t,
		code:   code,
		ln:     ln,
		accept: make(chan transport.Channel, 16),
		done:   make(chan struct{}),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(room.Path(code), ep.upgrader)
	app.Get(room.Path(code), websocket.New(ep.handle))
	app.Use(loggermw.New())
	app.Use(recovermw.New())
	ep.app = app

	go func() {
		if err := app.Listener(ln); err != nil {
			log.Printf("ws: room %s stopped serving: %v", code, err)
		}
	}()

	return ep, nil
}

func (t *Transport) OpenAsClient(context.Context) (transport.Endpoint, error) {
	return &clientEndpoint{t: t}, nil
}

type hostEndpoint struct {
	t    *Transport
	code string
	ln   net.Listener
	app  *fiber.App

	accept chan transport.Channel
	done   chan struct{}
	once   sync.Once
}

func (ep *hostEndpoint) Accept() <-chan transport.Channel { return ep.accept }

func (ep *hostEndpoint) Connect(context.Context, string) (transport.Channel, error) {
	return nil, fmt.Errorf("%w: host endpoint cannot dial", transport.ErrConnectFailed)
}

func (ep *hostEndpoint) Addr() string { return ep.ln.Addr().String() }

func (ep *hostEndpoint) Close() error {
	ep.once.Do(func() {
		close(ep.done)
		// Shutdown closes the listener and every open connection, which
		// ends the read pumps parked in handlers.
		if err := ep.app.ShutdownWithTimeout(3 * time.Second); err != nil {
			log.Printf("ws: room %s shutdown: %v", ep.code, err)
		}
	})
	return nil
}

func (ep *hostEndpoint) upgrader(c *fiber.Ctx) error {
	if !ep.t.authorizedOrigin(c.Request()) {
		return fiber.ErrForbidden
	}
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// handle runs inside the fiber handler goroutine, which owns the
// connection; it must not return until the channel is finished.
func (ep *hostEndpoint) handle(c *websocket.Conn) {
	ch := newChannel(c)
	select {
	case ep.accept <- ch:
	case <-ep.done:
		ch.Close()
		return
	}
	ch.readPump()
	ch.Close()
}

type clientEndpoint struct {
	t *Transport

	mu       sync.Mutex
	channels []*wsChannel
}

func (ep *clientEndpoint) Accept() <-chan transport.Channel { return nil }

func (ep *clientEndpoint) Connect(ctx context.Context, code string) (transport.Channel, error) {
	code = room.Normalize(code)
	if !room.ValidCode(code) {
		return nil, fmt.Errorf("%w: invalid room code %q", transport.ErrConnectFailed, code)
	}

	url := room.DialURL(ep.t.opts.GatewayHost, code, ep.t.opts.BasePort, ep.t.opts.PortSpan)
	dialer := fwebsocket.Dialer{HandshakeTimeout: ep.t.opts.OpenTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, ep.t.opts.OpenTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", transport.ErrConnectFailed, url, err)
	}

	ch := newChannel(conn)
	go ch.readPump()

	ep.mu.Lock()
	ep.channels = append(ep.channels, ch)
	ep.mu.Unlock()
	return ch, nil
}

func (ep *clientEndpoint) Addr() string { return ep.t.opts.GatewayHost }

func (ep *clientEndpoint) Close() error {
	ep.mu.Lock()
	channels := ep.channels
	ep.channels = nil
	ep.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
	}
	return nil
}
