// Package game defines the contract between the room coordinator and the
// individual games it can run. The coordinator treats game state as opaque:
// it holds the current value, feeds player intents through Apply, and ships
// whatever comes back to every client as a full snapshot. Only the engine
// for a given kind ever looks inside.
package game

import (
	"sort"
	"sync"
	"time"
)

// State is an opaque game-state value. Engines return a fresh value from
// every accepted transition; they never mutate the value they were handed.
type State any

// Seat describes one participant at game start, in roster order.
type Seat struct {
	DeviceID    string
	DisplayName string
	Autonomous  bool
}

// Engine is the pure rules core of one game kind. Implementations must be
// deterministic given their inputs and must not retain or mutate the state
// values passed in; the second return of Apply and AdvanceBot reports
// whether a transition happened at all, and false means the caller keeps
// the old value and stays silent.
type Engine interface {
	// CreateInitial deals a fresh game for the given seats.
	CreateInitial(seats []Seat) (State, error)

	// Apply folds one player's intent into the state. actorID is the
	// device id the coordinator resolved for the sender; engines must not
	// trust any identity inside the payload itself. A rejected or
	// meaningless intent returns (st, false).
	Apply(st State, payload []byte, actorID string) (State, bool)

	// IsTerminal reports whether the state is a concluded game. The
	// coordinator counts a win on each accepted transition into a
	// terminal state, so engines that keep playing past a conclusion
	// should report terminal only on the concluding transition.
	IsTerminal(st State) bool

	// AdvanceBot performs at most one autonomous step. (st, false) means
	// no autonomous player can act right now.
	AdvanceBot(st State) (State, bool)

	// Winners lists the device ids credited for a terminal state.
	Winners(st State) []string
}

// Capabilities describes the per-kind behavior the coordinator must honor
// but cannot infer from the opaque state.
type Capabilities struct {
	// StaysPlayingAtTerminal keeps the room in the playing phase when a
	// game concludes, for kinds that roll straight into the next hand.
	StaysPlayingAtTerminal bool

	// LeaveAction builds the synthetic intent applied on the leaver's
	// behalf before their seat is removed mid-game, so the game can
	// settle their stake. nil means no unwind is needed.
	LeaveAction func(deviceID string) []byte

	// HostPacedBots asks the coordinator to drive autonomous players on a
	// timer. Kinds that pace bots inside their own rules leave this off.
	HostPacedBots bool

	// BotStepDelay picks the pause before the next autonomous step for
	// the given state. Ignored unless HostPacedBots is set.
	BotStepDelay func(st State) time.Duration
}

// Registration couples an engine with its capabilities.
type Registration struct {
	Engine Engine
	Caps   Capabilities
}

// Registry is the set of game kinds a host can offer.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Registration)}
}

// Register adds or replaces a game kind.
func (r *Registry) Register(kind string, eng Engine, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = Registration{Engine: eng, Caps: caps}
}

// Lookup fetches the registration for a kind.
func (r *Registry) Lookup(kind string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.kinds[kind]
	return reg, ok
}

// Kinds lists the registered game kinds in stable order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
