// Package highcard implements the smallest game worth sitting down for:
// everyone draws one card, highest card wins the hand. It exists to exercise
// the whole table contract (turn order, bots, mid-game leavers, win counts)
// with rules nobody has to learn.
package highcard

import (
	"errors"
	"math/rand"
	"time"

	"github.com/goccy/go-json"

	"github.com/okvee/peertable/pkg/game"
)

// Kind is the registry name for this game.
const Kind = "highcard"

// Card ranks run 2..14 with aces high.
const (
	lowRank  = 2
	highRank = 14
	suits    = 4
)

// State is one hand in progress. Draws is keyed by device id; Order fixes
// whose turn it is. The deck rides along so every snapshot is replayable on
// its own.
type State struct {
	Deck  []int           `json:"deck"`
	Order []string        `json:"order"`
	Turn  int             `json:"turn"`
	Draws map[string]int  `json:"draws"`
	Bots  map[string]bool `json:"bots,omitempty"`
	Done  bool            `json:"done"`
}

type move struct {
	Move string `json:"move"`
}

const (
	moveDraw     = "draw"
	moveWithdraw = "withdraw"
)

// Engine implements game.Engine for high card.
type Engine struct{}

// Register wires high card into a registry with its table manners: the host
// paces bot draws, and a mid-game leaver is withdrawn so the hand can still
// conclude for everyone else.
func Register(reg *game.Registry) {
	reg.Register(Kind, Engine{}, game.Capabilities{
		HostPacedBots: true,
		BotStepDelay:  stepDelay,
		LeaveAction:   leaveAction,
	})
}

func (Engine) CreateInitial(seats []game.Seat) (game.State, error) {
	if len(seats) == 0 {
		return nil, errors.New("highcard: no seats")
	}
	st := &State{
		Deck:  shuffledDeck(),
		Order: make([]string, 0, len(seats)),
		Draws: make(map[string]int, len(seats)),
		Bots:  make(map[string]bool),
	}
	for _, s := range seats {
		st.Order = append(st.Order, s.DeviceID)
		if s.Autonomous {
			st.Bots[s.DeviceID] = true
		}
	}
	return st, nil
}

func (Engine) Apply(st game.State, payload []byte, actorID string) (game.State, bool) {
	cur, ok := st.(*State)
	if !ok {
		return st, false
	}
	var mv move
	if err := json.Unmarshal(payload, &mv); err != nil {
		return st, false
	}
	switch mv.Move {
	case moveDraw:
		return cur.draw(actorID)
	case moveWithdraw:
		return cur.withdraw(actorID)
	}
	return st, false
}

func (Engine) IsTerminal(st game.State) bool {
	cur, ok := st.(*State)
	return ok && cur.Done
}

func (Engine) AdvanceBot(st game.State) (game.State, bool) {
	cur, ok := st.(*State)
	if !ok || cur.Done || len(cur.Order) == 0 {
		return st, false
	}
	actor := cur.Order[cur.Turn]
	if !cur.Bots[actor] {
		return st, false
	}
	return cur.draw(actor)
}

func (Engine) Winners(st game.State) []string {
	cur, ok := st.(*State)
	if !ok || len(cur.Draws) == 0 {
		return nil
	}
	best := 0
	for _, v := range cur.Draws {
		if v > best {
			best = v
		}
	}
	var winners []string
	for _, id := range cur.Order {
		if cur.Draws[id] == best {
			winners = append(winners, id)
		}
	}
	return winners
}

func (s *State) draw(actor string) (game.State, bool) {
	if s.Done || len(s.Order) == 0 || len(s.Deck) == 0 {
		return s, false
	}
	if s.Order[s.Turn] != actor {
		return s, false
	}
	next := s.clone()
	next.Draws[actor] = next.Deck[0]
	next.Deck = next.Deck[1:]
	next.Turn++
	if next.Turn >= len(next.Order) {
		next.Done = true
	}
	return next, true
}

func (s *State) withdraw(actor string) (game.State, bool) {
	if s.Done {
		return s, false
	}
	idx := -1
	for i, id := range s.Order {
		if id == actor {
			idx = i
			break
		}
	}
	if idx < 0 {
		return s, false
	}
	next := s.clone()
	next.Order = append(next.Order[:idx], next.Order[idx+1:]...)
	delete(next.Draws, actor)
	delete(next.Bots, actor)
	if idx < next.Turn {
		next.Turn--
	}
	if len(next.Order) == 0 || next.Turn >= len(next.Order) {
		next.Done = true
		next.Turn = 0
	}
	return next, true
}

func (s *State) clone() *State {
	cp := &State{
		Deck:  append([]int(nil), s.Deck...),
		Order: append([]string(nil), s.Order...),
		Turn:  s.Turn,
		Draws: make(map[string]int, len(s.Draws)),
		Bots:  make(map[string]bool, len(s.Bots)),
		Done:  s.Done,
	}
	for k, v := range s.Draws {
		cp.Draws[k] = v
	}
	for k, v := range s.Bots {
		cp.Bots[k] = v
	}
	return cp
}

func shuffledDeck() []int {
	deck := make([]int, 0, (highRank-lowRank+1)*suits)
	for rank := lowRank; rank <= highRank; rank++ {
		for s := 0; s < suits; s++ {
			deck = append(deck, rank)
		}
	}
	rand.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })
	return deck
}

// stepDelay keeps bot play watchable: a beat between draws, a longer pause
// before the draw that ends the hand.
func stepDelay(st game.State) time.Duration {
	if cur, ok := st.(*State); ok && cur.Turn == len(cur.Order)-1 {
		return 1600 * time.Millisecond
	}
	return 900 * time.Millisecond
}

func leaveAction(string) []byte {
	b, _ := json.Marshal(move{Move: moveWithdraw})
	return b
}
