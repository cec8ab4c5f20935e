// Package session holds the two halves of a running room: the Host, which
// owns the authoritative state and arbitrates every change, and the Client,
// which mirrors whatever the host says and survives transport drops by
// reconnecting under the same device identity.
//
// The host is a single-owner loop. Every input, whether a wire frame, a
// timer firing or a local command, becomes one message into the loop's
// inbox, so room state, game state and the connection registry are only
// ever touched from one goroutine and the packages below stay lock-free.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/okvee/peertable/pkg/game"
	"github.com/okvee/peertable/pkg/protocol"
	"github.com/okvee/peertable/pkg/room"
	"github.com/okvee/peertable/pkg/transport"
)

// DefaultGracePeriod is how long a vanished channel keeps its seat shown
// as connected. Most phone-screen flips and wifi blips resolve well inside
// it, and deferring the bad news avoids flapping everyone's roster.
const DefaultGracePeriod = 15 * time.Second

const defaultBotStepDelay = time.Second

// HostOptions configures a room before it opens.
type HostOptions struct {
	// Code pins the room code. Empty means generate one, retrying past
	// collisions with already-claimed codes.
	Code string

	// HostName is the host player's display name.
	HostName string

	// Games is the set of game kinds this room can run.
	Games *game.Registry

	// GracePeriod overrides DefaultGracePeriod.
	GracePeriod time.Duration

	// OpenTimeout bounds claiming the room code.
	OpenTimeout time.Duration
}

func (o HostOptions) withDefaults() HostOptions {
	if o.HostName == "" {
		o.HostName = "Host"
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.OpenTimeout == 0 {
		o.OpenTimeout = transport.DefaultOpenTimeout
	}
	return o
}

// Host runs one room. All methods are safe from any goroutine; they post
// into the loop and wait for its verdict.
type Host struct {
	opts     HostOptions
	ep       transport.Endpoint
	deviceID string

	// Loop-owned. Nothing outside the run goroutine touches these.
	rm        *room.State
	gameState game.State
	reg       game.Registration
	hasGame   bool
	conns     *connRegistry

	timers *timerTable
	inbox  chan any
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Loop inputs. Wire frames, closures and timer expiries are fire-and-forget;
// commands carry a reply channel because the caller wants the verdict.
type (
	evFrame        struct{ ch transport.Channel; raw []byte }
	evClosed       struct{ ch transport.Channel }
	evGraceExpired struct{ deviceID string }
	evBotStep      struct{}

	cmdSelectGame    struct{ kind string; reply chan error }
	cmdStartGame     struct{ reply chan error }
	cmdDealNext      struct{ reply chan error }
	cmdReturnToLobby struct{ reply chan error }
	cmdAddBot        struct{ name string; reply chan error }
	cmdRemovePlayer  struct{ deviceID string; reply chan error }
	cmdAction        struct{ payload []byte; reply chan error }
	cmdSnapshot      struct{ reply chan *room.State }
	cmdClose         struct{ reply chan error }
)

// StartHost claims a room and starts its loop. The host is seated
// immediately; clients can join the moment this returns. Cancelling ctx
// later closes the room as if Close had been called.
func StartHost(ctx context.Context, tr transport.Transport, deviceID string, opts HostOptions) (*Host, error) {
	if opts.Games == nil {
		return nil, errors.New("session: a host needs a game registry")
	}
	opts = opts.withDefaults()

	openCtx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	var (
		ep   transport.Endpoint
		code string
		err  error
	)
	if opts.Code != "" {
		code = room.Normalize(opts.Code)
		ep, err = tr.OpenAsHost(openCtx, code)
		if err != nil {
			return nil, err
		}
	} else {
		for attempt := 0; ; attempt++ {
			code = room.NewCode()
			ep, err = tr.OpenAsHost(openCtx, code)
			if err == nil {
				break
			}
			if !errors.Is(err, transport.ErrRoomTaken) || attempt >= 4 {
				return nil, err
			}
		}
	}

	h := &Host{
		opts:     opts,
		ep:       ep,
		deviceID: deviceID,
		rm:       room.New(code, deviceID, opts.HostName),
		conns:    newConnRegistry(),
		timers:   newTimerTable(),
		inbox:    make(chan any, 64),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}

	go h.run()
	go h.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			h.Close()
		case <-h.done:
		}
	}()

	log.Printf("session: room %s open at %s", code, ep.Addr())
	return h, nil
}

// Code is the room's join code.
func (h *Host) Code() string { return h.rm.Code }

// Addr describes where the room is reachable.
func (h *Host) Addr() string { return h.ep.Addr() }

// DeviceID is the host's own seat id.
func (h *Host) DeviceID() string { return h.deviceID }

// Events surfaces room and game updates for rendering. The channel is
// never closed; it simply goes quiet once the room does.
func (h *Host) Events() <-chan Event { return h.events }

// Room returns a detached snapshot of the current room state, or nil if
// the room is closed.
func (h *Host) Room() *room.State {
	reply := make(chan *room.State, 1)
	select {
	case h.inbox <- cmdSnapshot{reply: reply}:
	case <-h.done:
		return nil
	}
	select {
	case snap := <-reply:
		return snap
	case <-h.done:
		return nil
	}
}

// SelectGame chooses which game the room will play. Lobby only.
func (h *Host) SelectGame(kind string) error {
	reply := make(chan error, 1)
	return h.roundTrip(cmdSelectGame{kind: kind, reply: reply}, reply)
}

// StartGame deals the selected game for everyone currently seated.
func (h *Host) StartGame() error {
	reply := make(chan error, 1)
	return h.roundTrip(cmdStartGame{reply: reply}, reply)
}

// DealNext starts a fresh round of the same game with the current roster,
// from either a finished or a still-playing room.
func (h *Host) DealNext() error {
	reply := make(chan error, 1)
	return h.roundTrip(cmdDealNext{reply: reply}, reply)
}

// ReturnToLobby abandons the current game and reopens the lobby.
func (h *Host) ReturnToLobby() error {
	reply := make(chan error, 1)
	return h.roundTrip(cmdReturnToLobby{reply: reply}, reply)
}

// AddBot seats an autonomous player. Lobby only.
func (h *Host) AddBot(name string) error {
	reply := make(chan error, 1)
	return h.roundTrip(cmdAddBot{name: name, reply: reply}, reply)
}

// RemovePlayer unseats a player, unwinding their stake first if the game
// defines how. Their channel, if any, is told and closed.
func (h *Host) RemovePlayer(deviceID string) error {
	reply := make(chan error, 1)
	return h.roundTrip(cmdRemovePlayer{deviceID: deviceID, reply: reply}, reply)
}

// Act submits the host's own move, exactly as if it had arrived on a
// channel. Rejected moves are dropped silently like everyone else's.
func (h *Host) Act(payload []byte) error {
	reply := make(chan error, 1)
	return h.roundTrip(cmdAction{payload: payload, reply: reply}, reply)
}

// Close dissolves the room: every client hears HOST_GONE, every channel
// closes, the code is released. Safe to call more than once.
func (h *Host) Close() {
	reply := make(chan error, 1)
	_ = h.roundTrip(cmdClose{reply: reply}, reply)
}

func (h *Host) roundTrip(cmd any, reply <-chan error) error {
	select {
	case h.inbox <- cmd:
	case <-h.done:
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrSessionClosed
	}
}

func (h *Host) post(ev any) bool {
	select {
	case h.inbox <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *Host) run() {
	for {
		select {
		case ev := <-h.inbox:
			h.handle(ev)
		case <-h.done:
			return
		}
	}
}

func (h *Host) acceptLoop() {
	for {
		select {
		case ch, ok := <-h.ep.Accept():
			if !ok {
				return
			}
			go h.pump(ch)
		case <-h.done:
			return
		}
	}
}

// pump moves one channel's frames into the loop. It is the only reader of
// the channel, so closure shows up here first.
func (h *Host) pump(ch transport.Channel) {
	for raw := range ch.Recv() {
		if !h.post(evFrame{ch: ch, raw: raw}) {
			return
		}
	}
	h.post(evClosed{ch: ch})
}

func (h *Host) handle(ev any) {
	switch ev := ev.(type) {
	case evFrame:
		h.onFrame(ev.ch, ev.raw)
	case evClosed:
		h.onChannelClosed(ev.ch)
	case evGraceExpired:
		h.onGraceExpired(ev.deviceID)
	case evBotStep:
		h.onBotStep()
	case cmdSelectGame:
		ev.reply <- h.selectGame(ev.kind)
	case cmdStartGame:
		ev.reply <- h.startGame()
	case cmdDealNext:
		ev.reply <- h.dealNext()
	case cmdReturnToLobby:
		ev.reply <- h.returnToLobby()
	case cmdAddBot:
		ev.reply <- h.addBot(ev.name)
	case cmdRemovePlayer:
		ev.reply <- h.removeSeat(ev.deviceID, "removed by the host")
	case cmdAction:
		h.applyAction(h.deviceID, ev.payload)
		ev.reply <- nil
	case cmdSnapshot:
		ev.reply <- h.rm.Snapshot()
	case cmdClose:
		h.shutdown()
		ev.reply <- nil
	}
}

func (h *Host) onFrame(ch transport.Channel, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("session: room %s: dropping frame: %s", h.rm.Code, err.Error())
		return
	}
	switch env.Opcode {
	case protocol.OpcodeKeepalive:
		var payload any
		if len(env.Payload) > 0 {
			payload = env.Payload
		}
		code(ch, protocol.OpcodeKeepalive, payload, env.Listener)
	case protocol.OpcodeJoin:
		h.onJoin(ch, env)
	case protocol.OpcodeAction:
		h.onAction(ch, env)
	case protocol.OpcodeLeave:
		h.onLeave(ch)
	default:
		log.Printf("session: room %s: unknown opcode %q", h.rm.Code, env.Opcode)
	}
}

// onJoin seats a new device or re-binds a returning one. Either way the
// joiner's channel becomes the device's channel and everyone gets a fresh
// snapshot; a returning device mid-game is also caught up on the game
// before the room broadcast, so it never renders a stale board.
func (h *Host) onJoin(ch transport.Channel, env *protocol.Envelope) {
	jp, err := protocol.DecodePayload[protocol.JoinPayload](env)
	if err != nil {
		log.Printf("session: room %s: bad join: %s", h.rm.Code, err.Error())
		return
	}

	// A channel that changes identity abandons its old seat; the old
	// device is treated like any other silent disappearance.
	if oldDev, ok := h.conns.DeviceFor(ch); ok && oldDev != jp.DeviceID {
		log.Printf("session: room %s: channel switched identity from %s to %s", h.rm.Code, oldDev, jp.DeviceID)
		h.conns.Unbind(oldDev)
		if h.rm.Find(oldDev) != nil {
			h.timers.Schedule(timerGrace, oldDev, h.opts.GracePeriod, func() {
				h.post(evGraceExpired{deviceID: oldDev})
			})
		}
	}

	if p := h.rm.Find(jp.DeviceID); p != nil {
		h.timers.Cancel(timerGrace, jp.DeviceID)
		if prev := h.conns.Bind(jp.DeviceID, ch); prev != nil {
			log.Printf("session: room %s: device %s presented a second channel; dropping the older one", h.rm.Code, jp.DeviceID)
			prev.Close()
		}
		p.Connected = true
		if jp.DisplayName != "" {
			p.DisplayName = jp.DisplayName
		}
		if h.gameState != nil {
			h.sendGameState(ch)
		}
		log.Printf("session: room %s: %s reconnected", h.rm.Code, jp.DeviceID)
	} else {
		h.rm.Players = append(h.rm.Players, &room.Player{
			ID:          jp.DeviceID,
			DisplayName: jp.DisplayName,
			Connected:   true,
		})
		if prev := h.conns.Bind(jp.DeviceID, ch); prev != nil {
			prev.Close()
		}
		log.Printf("session: room %s: %s joined as %q", h.rm.Code, jp.DeviceID, jp.DisplayName)
	}

	h.pushRoomState(ch, env.Listener)
}

func (h *Host) onAction(ch transport.Channel, env *protocol.Envelope) {
	deviceID, ok := h.conns.DeviceFor(ch)
	if !ok {
		// A channel that never joined has no identity; nothing it says
		// can be attributed, so nothing it says counts.
		log.Printf("session: room %s: action from an unidentified channel dropped", h.rm.Code)
		return
	}
	if len(env.Payload) == 0 {
		return
	}
	h.applyAction(deviceID, env.Payload)
}

// applyAction feeds one intent through the engine. A rejection leaves the
// world exactly as it was: no broadcast, no reply, no timer churn.
func (h *Host) applyAction(actorID string, payload []byte) {
	if h.rm.Phase != room.PhasePlaying || !h.hasGame {
		return
	}
	next, changed := h.reg.Engine.Apply(h.gameState, payload, actorID)
	if !changed {
		return
	}
	h.adopt(next)
}

// adopt installs an accepted game state and fans out everything that
// follows from it: the game broadcast, win accounting and phase fallout on
// a concluded game, and the single pending bot step.
func (h *Host) adopt(next game.State) {
	h.gameState = next
	h.broadcastGameState()
	if h.reg.Engine.IsTerminal(next) {
		for _, w := range h.reg.Engine.Winners(next) {
			h.rm.Wins[w]++
		}
		if !h.reg.Caps.StaysPlayingAtTerminal {
			h.rm.Phase = room.PhaseFinished
		}
		h.pushRoomState(nil, "")
	}
	h.scheduleBotStep()
}

// scheduleBotStep arms at most one pending autonomous step. Scheduling
// replaces, so however many state changes land in a burst, exactly one
// bot step survives them.
func (h *Host) scheduleBotStep() {
	h.timers.Cancel(timerBotStep, "")
	if h.rm.Phase != room.PhasePlaying || !h.hasGame || !h.reg.Caps.HostPacedBots {
		return
	}
	d := defaultBotStepDelay
	if h.reg.Caps.BotStepDelay != nil {
		if v := h.reg.Caps.BotStepDelay(h.gameState); v > 0 {
			d = v
		}
	}
	h.timers.Schedule(timerBotStep, "", d, func() { h.post(evBotStep{}) })
}

func (h *Host) onBotStep() {
	if h.rm.Phase != room.PhasePlaying || !h.hasGame || !h.reg.Caps.HostPacedBots {
		return
	}
	next, changed := h.reg.Engine.AdvanceBot(h.gameState)
	if !changed {
		return
	}
	h.adopt(next)
}

func (h *Host) onLeave(ch transport.Channel) {
	deviceID, ok := h.conns.DeviceFor(ch)
	if !ok {
		return
	}
	if err := h.removeSeat(deviceID, ""); err != nil {
		log.Printf("session: room %s: leave by %s: %s", h.rm.Code, deviceID, err.Error())
	}
}

// removeSeat unseats a player for good. Mid-game, the game gets to unwind
// their stake first via the kind's leave action, and that unwound state is
// broadcast before the seat disappears from the roster.
func (h *Host) removeSeat(deviceID, notice string) error {
	p := h.rm.Find(deviceID)
	if p == nil {
		return ErrNoSuchPlayer
	}
	if p.Host {
		return ErrHostSeat
	}

	if h.rm.Phase == room.PhasePlaying && h.hasGame && h.reg.Caps.LeaveAction != nil {
		if syn := h.reg.Caps.LeaveAction(deviceID); len(syn) > 0 {
			if next, changed := h.reg.Engine.Apply(h.gameState, syn, deviceID); changed {
				h.adopt(next)
			}
		}
	}

	h.timers.Cancel(timerGrace, deviceID)
	if ch, ok := h.conns.ChannelFor(deviceID); ok {
		if notice != "" {
			code(ch, protocol.OpcodeError, protocol.ErrorPayload{Message: notice}, "")
		}
		ch.Close()
	}
	h.conns.Unbind(deviceID)
	h.rm.Remove(deviceID)
	log.Printf("session: room %s: %s unseated", h.rm.Code, deviceID)
	h.pushRoomState(nil, "")
	return nil
}

// onChannelClosed starts the grace period for the seat the channel spoke
// for. The roster is deliberately not broadcast yet: a blip that resolves
// inside the grace window should be invisible to everyone else.
func (h *Host) onChannelClosed(ch transport.Channel) {
	deviceID, ok := h.conns.Drop(ch)
	if !ok {
		return
	}
	if h.rm.Find(deviceID) == nil {
		return
	}
	log.Printf("session: room %s: %s disconnected, holding seat for %s", h.rm.Code, deviceID, h.opts.GracePeriod)
	h.timers.Schedule(timerGrace, deviceID, h.opts.GracePeriod, func() {
		h.post(evGraceExpired{deviceID: deviceID})
	})
}

func (h *Host) onGraceExpired(deviceID string) {
	if _, live := h.conns.ChannelFor(deviceID); live {
		// Reconnected while the expiry was in flight.
		return
	}
	p := h.rm.Find(deviceID)
	if p == nil || !p.Connected {
		return
	}
	p.Connected = false
	log.Printf("session: room %s: %s did not come back, marking disconnected", h.rm.Code, deviceID)
	h.pushRoomState(nil, "")
}

func (h *Host) selectGame(kind string) error {
	if h.rm.Phase != room.PhaseLobby {
		return ErrWrongPhase
	}
	reg, ok := h.opts.Games.Lookup(kind)
	if !ok {
		return ErrUnknownGame
	}
	h.reg = reg
	h.hasGame = true
	h.rm.GameKind = kind
	h.pushRoomState(nil, "")
	return nil
}

func (h *Host) startGame() error {
	if h.rm.Phase != room.PhaseLobby {
		return ErrWrongPhase
	}
	if !h.hasGame {
		return ErrNoGameSelected
	}
	return h.deal()
}

func (h *Host) dealNext() error {
	if h.rm.Phase == room.PhaseLobby {
		return ErrWrongPhase
	}
	if !h.hasGame {
		return ErrNoGameSelected
	}
	return h.deal()
}

func (h *Host) deal() error {
	seats := make([]game.Seat, 0, len(h.rm.Players))
	for _, p := range h.rm.Players {
		seats = append(seats, game.Seat{
			DeviceID:    p.ID,
			DisplayName: p.DisplayName,
			Autonomous:  p.Autonomous,
		})
	}
	st, err := h.reg.Engine.CreateInitial(seats)
	if err != nil {
		return fmt.Errorf("deal %s: %w", h.rm.GameKind, err)
	}
	h.gameState = st
	h.rm.Phase = room.PhasePlaying
	h.pushRoomState(nil, "")
	h.broadcastGameState()
	h.scheduleBotStep()
	return nil
}

func (h *Host) returnToLobby() error {
	if h.rm.Phase == room.PhaseLobby {
		return ErrWrongPhase
	}
	h.rm.Phase = room.PhaseLobby
	h.gameState = nil
	h.timers.Cancel(timerBotStep, "")
	h.pushRoomState(nil, "")
	return nil
}

func (h *Host) addBot(name string) error {
	if h.rm.Phase != room.PhaseLobby {
		return ErrWrongPhase
	}
	if name == "" {
		bots := 0
		for _, p := range h.rm.Players {
			if p.Autonomous {
				bots++
			}
		}
		name = fmt.Sprintf("Bot %d", bots+1)
	}
	h.rm.Players = append(h.rm.Players, &room.Player{
		ID:          "bot-" + ulid.Make().String(),
		DisplayName: name,
		Autonomous:  true,
		Connected:   true,
	})
	h.pushRoomState(nil, "")
	return nil
}

func (h *Host) shutdown() {
	h.once.Do(func() {
		channels := h.conns.Channels()
		broadcast(channels, protocol.OpcodeHostGone, nil)
		for _, ch := range channels {
			ch.Close()
		}
		h.timers.CancelAll()
		h.ep.Close()
		log.Printf("session: room %s closed", h.rm.Code)
		close(h.done)
	})
}

// pushRoomState sends the current snapshot to every channel; replyTo, if
// non-nil, gets the listener echoed so the requester can match its reply.
// The same snapshot also goes to the local event stream.
func (h *Host) pushRoomState(replyTo transport.Channel, listener string) {
	snap := h.rm.Snapshot()
	for _, ch := range h.conns.Channels() {
		lst := ""
		if ch == replyTo {
			lst = listener
		}
		code(ch, protocol.OpcodeRoomState, snap, lst)
	}
	h.emit(EventRoomUpdated{Room: snap})
}

func (h *Host) sendGameState(ch transport.Channel) {
	raw, err := json.Marshal(h.gameState)
	if err != nil {
		log.Printf("session: room %s: encode game state: %s", h.rm.Code, err.Error())
		return
	}
	code(ch, protocol.OpcodeGameState, json.RawMessage(raw), "")
}

func (h *Host) broadcastGameState() {
	raw, err := json.Marshal(h.gameState)
	if err != nil {
		log.Printf("session: room %s: encode game state: %s", h.rm.Code, err.Error())
		return
	}
	broadcast(h.conns.Channels(), protocol.OpcodeGameState, json.RawMessage(raw))
	h.emit(EventGameUpdated{Raw: raw})
}

func (h *Host) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		log.Printf("session: room %s: dropping event, consumer fell behind", h.rm.Code)
	}
}
