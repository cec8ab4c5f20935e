package room

// Phase tracks where a room is in its lifecycle. Every transition is decided
// by the host and announced to clients through a full state snapshot.
type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
)

// Player is one seat at the table. ID is the durable device identity, so a
// player who drops and rejoins from the same device lands back in the same
// seat. Connected reflects reachability only; a disconnected player keeps
// their seat until the host removes them.
type Player struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Autonomous  bool   `json:"autonomous"`
	Host        bool   `json:"host"`
	Connected   bool   `json:"connected"`
}

// State is the full shared picture of a room. The host owns the only mutable
// copy; everything clients ever see is a marshaled snapshot of this struct.
type State struct {
	Code     string    `json:"code"`
	GameKind string    `json:"game_kind,omitempty"`
	Players  []*Player `json:"players"`
	Phase    Phase     `json:"phase"`
	HostID   string    `json:"host_id"`

	// Wins counts concluded games per device id for the life of the room.
	Wins map[string]int `json:"wins"`
}

// New creates a lobby with the host already seated.
func New(code, hostID, hostName string) *State {
	return &State{
		Code:  code,
		Phase: PhaseLobby,
		Players: []*Player{
			{ID: hostID, DisplayName: hostName, Host: true, Connected: true},
		},
		HostID: hostID,
		Wins:   make(map[string]int),
	}
}

// Find returns the seated player with the given device id, or nil.
func (s *State) Find(id string) *Player {
	for _, p := range s.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Remove unseats the player with the given device id. It reports whether a
// seat was actually removed.
func (s *State) Remove(id string) bool {
	for i, p := range s.Players {
		if p.ID == id {
			s.Players = append(s.Players[:i], s.Players[i+1:]...)
			return true
		}
	}
	return false
}

// Connected returns how many seats currently have a live channel behind them.
func (s *State) Connected() int {
	n := 0
	for _, p := range s.Players {
		if p.Connected {
			n++
		}
	}
	return n
}

// Snapshot deep-copies the state so it can leave the owning goroutine.
func (s *State) Snapshot() *State {
	cp := *s
	cp.Players = make([]*Player, len(s.Players))
	for i, p := range s.Players {
		pc := *p
		cp.Players[i] = &pc
	}
	cp.Wins = make(map[string]int, len(s.Wins))
	for k, v := range s.Wins {
		cp.Wins[k] = v
	}
	return &cp
}
