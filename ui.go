package main

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/okvee/peertable/pkg/config"
	"github.com/okvee/peertable/pkg/game/highcard"
	"github.com/okvee/peertable/pkg/room"
	"github.com/okvee/peertable/pkg/session"
)

// renderer turns session events into terminal output. It runs on the command
// loop goroutine only, so it keeps plain maps without locks.
type renderer struct {
	you   string
	names map[string]string
}

func newRenderer(you string) *renderer {
	return &renderer{you: you, names: map[string]string{}}
}

// handle prints one event and reports whether the session just ended.
func (r *renderer) handle(ev session.Event) (done bool) {
	switch e := ev.(type) {
	case session.EventRoomUpdated:
		r.printRoom(e.Room)
	case session.EventGameUpdated:
		r.printGame(e.Raw)
	case session.EventNotice:
		fmt.Println("!", e.Message)
	case session.EventReconnecting:
		fmt.Printf("connection lost, retrying (attempt %d)\n", e.Attempt)
	case session.EventReconnected:
		fmt.Println("back at the table")
	case session.EventDropped:
		switch e.Reason {
		case session.DropHostGone:
			fmt.Println("the host closed the room")
		case session.DropLostConnection:
			fmt.Println("could not reach the room again")
		default:
			fmt.Println("left the table")
		}
		return true
	}
	return false
}

func (r *renderer) printRoom(st *room.State) {
	if st == nil {
		fmt.Println("no room")
		return
	}
	for _, p := range st.Players {
		r.names[p.ID] = p.DisplayName
	}

	head := fmt.Sprintf("room %s · %s", st.Code, st.Phase)
	if st.GameKind != "" {
		head += " · " + st.GameKind
	}
	fmt.Println(head)
	for _, p := range st.Players {
		fmt.Println("  " + r.seatLine(st, p))
	}
}

func (r *renderer) seatLine(st *room.State, p *room.Player) string {
	var tags []string
	if p.Host {
		tags = append(tags, "host")
	}
	if p.Autonomous {
		tags = append(tags, "bot")
	}
	if !p.Connected {
		tags = append(tags, "away")
	}
	if p.ID == r.you {
		tags = append(tags, "you")
	}

	line := p.DisplayName
	if len(tags) > 0 {
		line += " (" + strings.Join(tags, ", ") + ")"
	}
	if w := st.Wins[p.ID]; w > 0 {
		line += fmt.Sprintf(" · %d won", w)
	}
	return line
}

// printGame knows how to lay out a high card hand. Anything else is shown as
// the raw snapshot, which is still honest if not pretty.
func (r *renderer) printGame(raw []byte) {
	if len(raw) == 0 {
		fmt.Println("nothing on the table yet")
		return
	}

	var st highcard.State
	if err := json.Unmarshal(raw, &st); err != nil || len(st.Order) == 0 {
		fmt.Println("table:", string(raw))
		return
	}

	parts := make([]string, 0, len(st.Order))
	for _, id := range st.Order {
		card := "-"
		if v, ok := st.Draws[id]; ok {
			card = rankName(v)
		}
		parts = append(parts, r.nameOf(id)+" "+card)
	}
	fmt.Println("table:", strings.Join(parts, " | "))

	switch {
	case st.Done:
		fmt.Println("hand over")
	case st.Turn < len(st.Order) && st.Order[st.Turn] == r.you:
		fmt.Println("your turn, type draw")
	case st.Turn < len(st.Order):
		fmt.Printf("waiting on %s\n", r.nameOf(st.Order[st.Turn]))
	}
}

func (r *renderer) nameOf(id string) string {
	if n, ok := r.names[id]; ok {
		return n
	}
	return id
}

func rankName(v int) string {
	switch v {
	case 11:
		return "J"
	case 12:
		return "Q"
	case 13:
		return "K"
	case 14:
		return "A"
	default:
		return strconv.Itoa(v)
	}
}

// printBanner shows the room code and a QR of the dial URL so phones on the
// same network can join without typing.
func printBanner(cfg config.Config, code string) {
	url := room.DialURL(cfg.GatewayHost, code, cfg.BasePort, cfg.PortSpan)
	fmt.Printf("room code %s\n", code)
	fmt.Printf("reachable at %s\n", url)
	if q, err := qrcode.New(url, qrcode.Medium); err == nil {
		fmt.Print(q.ToSmallString(false))
	}
}

func printIDs(st *room.State) {
	if st == nil {
		fmt.Println("no room")
		return
	}
	for _, p := range st.Players {
		fmt.Printf("  %s: %s\n", p.DisplayName, p.ID)
	}
}
