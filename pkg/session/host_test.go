package session

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okvee/peertable/pkg/game"
	"github.com/okvee/peertable/pkg/protocol"
	"github.com/okvee/peertable/pkg/room"
	"github.com/okvee/peertable/pkg/transport"
	"github.com/okvee/peertable/pkg/transport/mem"
)

// stubState is a game state the tests can steer precisely.
type stubState struct {
	Steps     int             `json:"steps"`
	LastActor string          `json:"last_actor"`
	Terminal  bool            `json:"terminal"`
	Champs    []string        `json:"champs"`
	Seats     []string        `json:"seats"`
	Bots      map[string]bool `json:"bots"`
}

func (s *stubState) clone() *stubState {
	cp := *s
	cp.Champs = append([]string(nil), s.Champs...)
	cp.Seats = append([]string(nil), s.Seats...)
	cp.Bots = make(map[string]bool, len(s.Bots))
	for k, v := range s.Bots {
		cp.Bots[k] = v
	}
	return &cp
}

// stubEngine accepts moves of the form {"op":...}: "step" advances,
// "finish" concludes crediting the actor, "fold" drops the actor's seat,
// anything else is rejected. terminalAfter, when set, concludes the game
// once that many steps accumulate.
type stubEngine struct {
	terminalAfter int
}

func (e stubEngine) CreateInitial(seats []game.Seat) (game.State, error) {
	st := &stubState{Bots: make(map[string]bool)}
	for _, s := range seats {
		st.Seats = append(st.Seats, s.DeviceID)
		if s.Autonomous {
			st.Bots[s.DeviceID] = true
		}
	}
	return st, nil
}

func (e stubEngine) Apply(st game.State, payload []byte, actorID string) (game.State, bool) {
	cur := st.(*stubState)
	if cur.Terminal {
		return st, false
	}
	var mv struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(payload, &mv); err != nil {
		return st, false
	}
	switch mv.Op {
	case "step":
		next := cur.clone()
		next.Steps++
		next.LastActor = actorID
		if e.terminalAfter > 0 && next.Steps >= e.terminalAfter {
			next.Terminal = true
			next.Champs = []string{actorID}
		}
		return next, true
	case "finish":
		next := cur.clone()
		next.Terminal = true
		next.LastActor = actorID
		next.Champs = []string{actorID}
		return next, true
	case "fold":
		next := cur.clone()
		for i, id := range next.Seats {
			if id == actorID {
				next.Seats = append(next.Seats[:i], next.Seats[i+1:]...)
				break
			}
		}
		next.LastActor = actorID
		return next, true
	}
	return st, false
}

func (e stubEngine) IsTerminal(st game.State) bool {
	return st.(*stubState).Terminal
}

func (e stubEngine) AdvanceBot(st game.State) (game.State, bool) {
	cur := st.(*stubState)
	if cur.Terminal || len(cur.Bots) == 0 {
		return st, false
	}
	var bot string
	for _, id := range cur.Seats {
		if cur.Bots[id] {
			bot = id
			break
		}
	}
	if bot == "" {
		return st, false
	}
	return e.Apply(st, []byte(`{"op":"step"}`), bot)
}

func (e stubEngine) Winners(st game.State) []string {
	return st.(*stubState).Champs
}

var (
	stepMove   = []byte(`{"op":"step"}`)
	finishMove = []byte(`{"op":"finish"}`)
	noopMove   = []byte(`{"op":"noop"}`)
	foldMove   = []byte(`{"op":"fold"}`)
)

func stubRegistry(eng game.Engine, caps game.Capabilities) *game.Registry {
	reg := game.NewRegistry()
	reg.Register("stub", eng, caps)
	return reg
}

type hostHarness struct {
	tr   *mem.Transport
	host *Host
}

func startStubHost(t *testing.T, eng game.Engine, caps game.Capabilities, tweak func(*HostOptions)) *hostHarness {
	t.Helper()
	tr := mem.New()
	opts := HostOptions{
		Code:        "ABCD",
		HostName:    "Hana",
		Games:       stubRegistry(eng, caps),
		GracePeriod: 150 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h, err := StartHost(context.Background(), tr, "host-dev", opts)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return &hostHarness{tr: tr, host: h}
}

// connect opens a raw channel into the room without joining.
func (hh *hostHarness) connect(t *testing.T) transport.Channel {
	t.Helper()
	ep, err := hh.tr.OpenAsClient(context.Background())
	require.NoError(t, err)
	ch, err := ep.Connect(context.Background(), "ABCD")
	require.NoError(t, err)
	return ch
}

// join connects and seats a device, consuming the confirming snapshot.
func (hh *hostHarness) join(t *testing.T, deviceID, name string) transport.Channel {
	t.Helper()
	ch := hh.connect(t)
	sendEnvelope(t, ch, protocol.OpcodeJoin, protocol.JoinPayload{DeviceID: deviceID, DisplayName: name}, "lst-"+deviceID)
	env := awaitOpcode(t, ch, protocol.OpcodeRoomState)
	require.Equal(t, "lst-"+deviceID, env.Listener, "the direct reply must echo the listener")
	return ch
}

func sendEnvelope(t *testing.T, ch transport.Channel, opcode string, payload any, listener string) {
	t.Helper()
	raw, err := protocol.Encode(opcode, payload, listener)
	require.NoError(t, err)
	require.NoError(t, ch.Send(raw))
}

func nextEnvelope(t *testing.T, ch transport.Channel) *protocol.Envelope {
	t.Helper()
	select {
	case raw, ok := <-ch.Recv():
		require.True(t, ok, "channel closed while waiting for a frame")
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// awaitOpcode skips frames until one with the wanted opcode arrives.
func awaitOpcode(t *testing.T, ch transport.Channel, opcode string) *protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-ch.Recv():
			require.True(t, ok, "channel closed while waiting for %s", opcode)
			env, err := protocol.Decode(raw)
			require.NoError(t, err)
			if env.Opcode == opcode {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", opcode)
			return nil
		}
	}
}

func roomFromEnvelope(t *testing.T, env *protocol.Envelope) *room.State {
	t.Helper()
	st, err := protocol.DecodePayload[room.State](env)
	require.NoError(t, err)
	return &st
}

func stubFromEnvelope(t *testing.T, env *protocol.Envelope) *stubState {
	t.Helper()
	var st stubState
	require.NoError(t, json.Unmarshal(env.Payload, &st))
	return &st
}

func assertSilence(t *testing.T, ch transport.Channel, d time.Duration) {
	t.Helper()
	select {
	case raw, ok := <-ch.Recv():
		if ok {
			t.Fatalf("expected silence, got frame %s", raw)
		}
	case <-time.After(d):
	}
}

// awaitRoster waits until a room broadcast satisfies the predicate. Every
// roster seen on the way is held to the single-host invariant.
func awaitRoster(t *testing.T, ch transport.Channel, want func(*room.State) bool) *room.State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-ch.Recv():
			require.True(t, ok, "channel closed while waiting for a roster")
			env, err := protocol.Decode(raw)
			require.NoError(t, err)
			if env.Opcode != protocol.OpcodeRoomState {
				continue
			}
			st := roomFromEnvelope(t, env)
			requireOneHost(t, st)
			if want(st) {
				return st
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching roster")
			return nil
		}
	}
}

// requireOneHost asserts exactly one player holds the host seat and that it
// is the one HostID points at.
func requireOneHost(t *testing.T, st *room.State) {
	t.Helper()
	hosts := 0
	for _, p := range st.Players {
		if p.Host {
			hosts++
			require.Equal(t, st.HostID, p.ID)
		}
	}
	require.Equal(t, 1, hosts, "every roster carries exactly one host")
}

func TestJoinSeatsPlayerAndBroadcasts(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)

	ada := hh.connect(t)
	sendEnvelope(t, ada, protocol.OpcodeJoin, protocol.JoinPayload{DeviceID: "dev-ada", DisplayName: "Ada"}, "lst-1")

	env := awaitOpcode(t, ada, protocol.OpcodeRoomState)
	assert.Equal(t, "lst-1", env.Listener)
	st := roomFromEnvelope(t, env)
	require.Len(t, st.Players, 2)
	assert.Equal(t, room.PhaseLobby, st.Phase)
	assert.Equal(t, "host-dev", st.HostID)
	p := st.Find("dev-ada")
	require.NotNil(t, p)
	assert.True(t, p.Connected)
	assert.False(t, p.Host)

	// A second join reaches Ada as a listener-less broadcast.
	hh.join(t, "dev-bob", "Bob")
	st = awaitRoster(t, ada, func(st *room.State) bool { return len(st.Players) == 3 })
	require.NotNil(t, st.Find("dev-bob"))
}

func TestFramesBeforeJoinAreDiscarded(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)

	ch := hh.connect(t)
	sendEnvelope(t, ch, protocol.OpcodeAction, json.RawMessage(stepMove), "")
	sendEnvelope(t, ch, protocol.OpcodeLeave, nil, "")
	assertSilence(t, ch, 100*time.Millisecond)

	// The channel gains an identity only by joining; afterwards it works.
	sendEnvelope(t, ch, protocol.OpcodeJoin, protocol.JoinPayload{DeviceID: "dev-x", DisplayName: "X"}, "")
	awaitOpcode(t, ch, protocol.OpcodeRoomState)

	snap := hh.host.Room()
	require.NotNil(t, snap)
	assert.Len(t, snap.Players, 2)
}

func TestKeepaliveEcho(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)

	ch := hh.join(t, "dev-ada", "Ada")
	sendEnvelope(t, ch, protocol.OpcodeKeepalive, json.RawMessage(`{"n":7}`), "ka-1")

	env := awaitOpcode(t, ch, protocol.OpcodeKeepalive)
	assert.Equal(t, "ka-1", env.Listener)
	assert.JSONEq(t, `{"n":7}`, string(env.Payload))
}

func TestGameSelectionAndStart(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ch := hh.join(t, "dev-ada", "Ada")

	require.ErrorIs(t, hh.host.StartGame(), ErrNoGameSelected)
	require.ErrorIs(t, hh.host.SelectGame("checkers"), ErrUnknownGame)

	require.NoError(t, hh.host.SelectGame("stub"))
	st := awaitRoster(t, ch, func(st *room.State) bool { return st.GameKind == "stub" })
	assert.Equal(t, room.PhaseLobby, st.Phase)

	require.NoError(t, hh.host.StartGame())
	st = awaitRoster(t, ch, func(st *room.State) bool { return st.Phase == room.PhasePlaying })
	assert.Equal(t, "stub", st.GameKind)
	hand := stubFromEnvelope(t, awaitOpcode(t, ch, protocol.OpcodeGameState))
	assert.ElementsMatch(t, []string{"host-dev", "dev-ada"}, hand.Seats)

	require.ErrorIs(t, hh.host.SelectGame("stub"), ErrWrongPhase, "no re-selection mid-game")
	require.ErrorIs(t, hh.host.StartGame(), ErrWrongPhase)
}

func TestActionsBroadcastAndRejectionsStaySilent(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, ada, protocol.OpcodeGameState)

	sendEnvelope(t, ada, protocol.OpcodeAction, json.RawMessage(stepMove), "")
	st := stubFromEnvelope(t, awaitOpcode(t, ada, protocol.OpcodeGameState))
	assert.Equal(t, 1, st.Steps)
	assert.Equal(t, "dev-ada", st.LastActor, "the move is attributed to the channel's device")

	// A rejected move produces no traffic at all, and resubmitting the
	// same rejected move changes nothing either.
	sendEnvelope(t, ada, protocol.OpcodeAction, json.RawMessage(noopMove), "")
	sendEnvelope(t, ada, protocol.OpcodeAction, json.RawMessage(noopMove), "")
	assertSilence(t, ada, 150*time.Millisecond)

	// The next accepted move lands on the untouched state.
	sendEnvelope(t, ada, protocol.OpcodeAction, json.RawMessage(stepMove), "")
	st = stubFromEnvelope(t, awaitOpcode(t, ada, protocol.OpcodeGameState))
	assert.Equal(t, 2, st.Steps)
}

func TestHostOwnMovesGoThroughTheSamePath(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, ada, protocol.OpcodeGameState)

	require.NoError(t, hh.host.Act(stepMove))
	st := stubFromEnvelope(t, awaitOpcode(t, ada, protocol.OpcodeGameState))
	assert.Equal(t, "host-dev", st.LastActor)
}

func TestTerminalStateFinishesRoomAndCountsWin(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, ada, protocol.OpcodeGameState)

	sendEnvelope(t, ada, protocol.OpcodeAction, json.RawMessage(finishMove), "")

	st := stubFromEnvelope(t, awaitOpcode(t, ada, protocol.OpcodeGameState))
	assert.True(t, st.Terminal)

	roster := awaitRoster(t, ada, func(st *room.State) bool { return st.Phase == room.PhaseFinished })
	assert.Equal(t, 1, roster.Wins["dev-ada"])

	// Late moves against a finished room are dropped.
	sendEnvelope(t, ada, protocol.OpcodeAction, json.RawMessage(stepMove), "")
	assertSilence(t, ada, 150*time.Millisecond)
}

func TestStaysPlayingKindKeepsPhase(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{StaysPlayingAtTerminal: true}, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, ada, protocol.OpcodeGameState)

	sendEnvelope(t, ada, protocol.OpcodeAction, json.RawMessage(finishMove), "")
	awaitOpcode(t, ada, protocol.OpcodeGameState)

	roster := awaitRoster(t, ada, func(st *room.State) bool { return st.Wins["dev-ada"] == 1 })
	assert.Equal(t, room.PhasePlaying, roster.Phase, "this kind never leaves the playing phase")
}

func TestDealNextAndReturnToLobby(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	require.ErrorIs(t, hh.host.DealNext(), ErrWrongPhase)
	require.ErrorIs(t, hh.host.ReturnToLobby(), ErrWrongPhase)

	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, ada, protocol.OpcodeGameState)

	sendEnvelope(t, ada, protocol.OpcodeAction, json.RawMessage(finishMove), "")
	awaitRoster(t, ada, func(st *room.State) bool { return st.Phase == room.PhaseFinished })

	// A fresh hand from the finished room.
	require.NoError(t, hh.host.DealNext())
	awaitRoster(t, ada, func(st *room.State) bool { return st.Phase == room.PhasePlaying })
	st := stubFromEnvelope(t, awaitOpcode(t, ada, protocol.OpcodeGameState))
	assert.Equal(t, 0, st.Steps)
	assert.False(t, st.Terminal)

	require.NoError(t, hh.host.ReturnToLobby())
	awaitRoster(t, ada, func(st *room.State) bool { return st.Phase == room.PhaseLobby })
	assert.Nil(t, hh.host.Room().Find("nobody"))
}

func TestDisconnectDefersThenMarks(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")
	bob := hh.join(t, "dev-bob", "Bob")
	awaitRoster(t, ada, func(st *room.State) bool { return len(st.Players) == 3 })

	// Ada's link dies abruptly. Inside the grace window nothing leaks.
	require.NoError(t, ada.Close())
	assertSilence(t, bob, 80*time.Millisecond)

	snap := hh.host.Room()
	require.NotNil(t, snap.Find("dev-ada"))
	assert.True(t, snap.Find("dev-ada").Connected, "the seat stays connected during grace")

	// Grace expires without a return: now everyone hears about it.
	st := awaitRoster(t, bob, func(st *room.State) bool {
		p := st.Find("dev-ada")
		return p != nil && !p.Connected
	})
	require.NotNil(t, st.Find("dev-ada"), "the seat itself survives")
}

func TestReconnectInsideGraceIsInvisible(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")
	bob := hh.join(t, "dev-bob", "Bob")
	awaitRoster(t, ada, func(st *room.State) bool { return len(st.Players) == 3 })

	require.NoError(t, ada.Close())
	ada2 := hh.join(t, "dev-ada", "Ada")

	// Bob sees the rebind broadcast with the seat still connected, and
	// never a disconnected one, even after the grace window passes.
	st := awaitRoster(t, bob, func(st *room.State) bool { return st.Find("dev-ada") != nil })
	assert.True(t, st.Find("dev-ada").Connected)
	time.Sleep(250 * time.Millisecond)

	snap := hh.host.Room()
	assert.True(t, snap.Find("dev-ada").Connected)

	// The rebound channel is fully functional.
	sendEnvelope(t, ada2, protocol.OpcodeKeepalive, nil, "ka")
	awaitOpcode(t, ada2, protocol.OpcodeKeepalive)
}

func TestMidGameRejoinGetsGameBeforeConfirmation(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, ada, protocol.OpcodeGameState)
	require.NoError(t, hh.host.Act(stepMove))
	awaitOpcode(t, ada, protocol.OpcodeGameState)

	require.NoError(t, ada.Close())

	// Rejoin mid-game: the catch-up game state must precede the
	// confirming room snapshot on the new channel.
	ch := hh.connect(t)
	sendEnvelope(t, ch, protocol.OpcodeJoin, protocol.JoinPayload{DeviceID: "dev-ada", DisplayName: "Ada"}, "back")
	first := nextEnvelope(t, ch)
	require.Equal(t, protocol.OpcodeGameState, first.Opcode)
	assert.Equal(t, 1, stubFromEnvelope(t, first).Steps)

	second := awaitOpcode(t, ch, protocol.OpcodeRoomState)
	assert.Equal(t, "back", second.Listener)
	assert.Equal(t, room.PhasePlaying, roomFromEnvelope(t, second).Phase)
}

func TestDuplicateDeviceKeepsNewestChannel(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	old := hh.join(t, "dev-ada", "Ada")
	fresh := hh.join(t, "dev-ada", "Ada")

	// The displaced channel is closed by the host.
	deadline := time.After(2 * time.Second)
	for {
		var closed bool
		select {
		case _, ok := <-old.Recv():
			closed = !ok
		case <-deadline:
			t.Fatal("old channel was never closed")
		}
		if closed {
			break
		}
	}

	// One seat, and moves on the fresh channel are attributed to it.
	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, fresh, protocol.OpcodeGameState)
	sendEnvelope(t, fresh, protocol.OpcodeAction, json.RawMessage(stepMove), "")
	st := stubFromEnvelope(t, awaitOpcode(t, fresh, protocol.OpcodeGameState))
	assert.Equal(t, "dev-ada", st.LastActor)

	snap := hh.host.Room()
	assert.Len(t, snap.Players, 2)
}

func TestLeaveMidGameUnwindsBeforeRemoval(t *testing.T) {
	caps := game.Capabilities{
		LeaveAction: func(string) []byte { return foldMove },
	}
	hh := startStubHost(t, stubEngine{}, caps, nil)
	ada := hh.join(t, "dev-ada", "Ada")
	bob := hh.join(t, "dev-bob", "Bob")
	awaitRoster(t, ada, func(st *room.State) bool { return len(st.Players) == 3 })

	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, bob, protocol.OpcodeGameState)

	sendEnvelope(t, ada, protocol.OpcodeLeave, nil, "")

	// Bob first sees the fold applied, then the roster without Ada.
	st := stubFromEnvelope(t, awaitOpcode(t, bob, protocol.OpcodeGameState))
	assert.NotContains(t, st.Seats, "dev-ada")
	assert.Equal(t, "dev-ada", st.LastActor)

	roster := awaitRoster(t, bob, func(st *room.State) bool { return st.Find("dev-ada") == nil })
	assert.Len(t, roster.Players, 2)
}

func TestRemovePlayerNotifiesAndCloses(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	require.ErrorIs(t, hh.host.RemovePlayer("dev-ghost"), ErrNoSuchPlayer)
	require.ErrorIs(t, hh.host.RemovePlayer("host-dev"), ErrHostSeat)

	require.NoError(t, hh.host.RemovePlayer("dev-ada"))

	env := awaitOpcode(t, ada, protocol.OpcodeError)
	p, err := protocol.DecodePayload[protocol.ErrorPayload](env)
	require.NoError(t, err)
	assert.Contains(t, p.Message, "removed")

	deadline := time.After(2 * time.Second)
	for {
		var closed bool
		select {
		case _, ok := <-ada.Recv():
			closed = !ok
		case <-deadline:
			t.Fatal("removed player's channel was never closed")
		}
		if closed {
			break
		}
	}

	snap := hh.host.Room()
	assert.Nil(t, snap.Find("dev-ada"))
}

func TestBotsArePacedOneStepPerChange(t *testing.T) {
	caps := game.Capabilities{
		HostPacedBots: true,
		BotStepDelay:  func(game.State) time.Duration { return 20 * time.Millisecond },
	}
	hh := startStubHost(t, stubEngine{terminalAfter: 3}, caps, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	require.NoError(t, hh.host.AddBot("Marvin"))
	roster := awaitRoster(t, ada, func(st *room.State) bool { return len(st.Players) == 3 })
	var botID string
	for _, p := range roster.Players {
		if p.Autonomous {
			botID = p.ID
		}
	}
	require.NotEmpty(t, botID)
	assert.True(t, roster.Find(botID).Connected)

	require.NoError(t, hh.host.SelectGame("stub"))
	require.NoError(t, hh.host.StartGame())
	awaitOpcode(t, ada, protocol.OpcodeGameState)

	require.ErrorIs(t, hh.host.AddBot(""), ErrWrongPhase, "bots join in the lobby only")

	// The bot walks the game to its terminal state one paced step at a
	// time, without any human input.
	deadline := time.After(3 * time.Second)
	steps := 0
	for {
		select {
		case raw, ok := <-ada.Recv():
			require.True(t, ok)
			env, err := protocol.Decode(raw)
			require.NoError(t, err)
			if env.Opcode != protocol.OpcodeGameState {
				continue
			}
			st := stubFromEnvelope(t, env)
			require.Equal(t, steps+1, st.Steps, "exactly one step per broadcast")
			steps = st.Steps
			assert.Equal(t, botID, st.LastActor)
			if st.Terminal {
				roster := awaitRoster(t, ada, func(st *room.State) bool { return st.Phase == room.PhaseFinished })
				assert.Equal(t, 1, roster.Wins[botID])
				// Terminal means the scheduler stops: no further frames.
				assertSilence(t, ada, 150*time.Millisecond)
				return
			}
		case <-deadline:
			t.Fatalf("bot stalled after %d steps", steps)
		}
	}
}

func TestCloseBroadcastsHostGone(t *testing.T) {
	hh := startStubHost(t, stubEngine{}, game.Capabilities{}, nil)
	ada := hh.join(t, "dev-ada", "Ada")

	hh.host.Close()

	awaitOpcode(t, ada, protocol.OpcodeHostGone)
	deadline := time.After(2 * time.Second)
	for {
		var closed bool
		select {
		case _, ok := <-ada.Recv():
			closed = !ok
		case <-deadline:
			t.Fatal("client channel was never closed")
		}
		if closed {
			break
		}
	}

	assert.Nil(t, hh.host.Room())
	assert.ErrorIs(t, hh.host.StartGame(), ErrSessionClosed)
	hh.host.Close() // second close is a no-op
}

func TestGeneratedCodesRetryPastCollisions(t *testing.T) {
	tr := mem.New()
	reg := stubRegistry(stubEngine{}, game.Capabilities{})

	a, err := StartHost(context.Background(), tr, "dev-a", HostOptions{Games: reg})
	require.NoError(t, err)
	defer a.Close()

	b, err := StartHost(context.Background(), tr, "dev-b", HostOptions{Games: reg})
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.Code(), b.Code())
	assert.True(t, room.ValidCode(a.Code()))
}

func TestPinnedCodeCollisionSurfaces(t *testing.T) {
	tr := mem.New()
	reg := stubRegistry(stubEngine{}, game.Capabilities{})

	a, err := StartHost(context.Background(), tr, "dev-a", HostOptions{Code: "ABCD", Games: reg})
	require.NoError(t, err)
	defer a.Close()

	_, err = StartHost(context.Background(), tr, "dev-b", HostOptions{Code: "ABCD", Games: reg})
	require.ErrorIs(t, err, transport.ErrRoomTaken)
}
