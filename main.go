package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/okvee/peertable/pkg/config"
	"github.com/okvee/peertable/pkg/game"
	"github.com/okvee/peertable/pkg/game/highcard"
	"github.com/okvee/peertable/pkg/identity"
	"github.com/okvee/peertable/pkg/room"
	"github.com/okvee/peertable/pkg/session"
	"github.com/okvee/peertable/pkg/transport"
	"github.com/okvee/peertable/pkg/transport/rtc"
	"github.com/okvee/peertable/pkg/transport/ws"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "host":
		runHost(cfg, os.Args[2:])
	case "join":
		runJoin(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `peertable hosts and joins multiplayer tables on a local network.

usage:
  peertable host [-name NAME] [-code CODE] [-game KIND] [-bots N] [-rtc]
  peertable join [-name NAME] [-rtc] CODE

Settings such as the bind address and port range come from PEERTABLE_*
environment variables, or a .env file in the working directory.`)
}

func runHost(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("host", flag.ExitOnError)
	name := fs.String("name", "", "display name for your seat")
	code := fs.String("code", "", "pin a room code instead of generating one")
	kind := fs.String("game", highcard.Kind, "game to put on the table")
	bots := fs.Int("bots", 0, "bots to seat before play starts")
	useRTC := fs.Bool("rtc", false, "run the room over WebRTC data channels")
	fs.Parse(args)

	id := loadIdentity(cfg, *name)

	games := game.NewRegistry()
	highcard.Register(games)

	h, err := session.StartHost(context.Background(), buildTransport(cfg, *useRTC), id.DeviceID, session.HostOptions{
		Code:        *code,
		HostName:    id.DisplayName,
		Games:       games,
		GracePeriod: cfg.GracePeriod,
		OpenTimeout: cfg.OpenTimeout,
	})
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	defer h.Close()

	if *kind != "" {
		if err := h.SelectGame(*kind); err != nil {
			log.Fatalf("host: select %s: %v", *kind, err)
		}
	}
	for i := 0; i < *bots; i++ {
		if err := h.AddBot(""); err != nil {
			log.Fatalf("host: seat bot: %v", err)
		}
	}

	printBanner(cfg, h.Code())
	fmt.Printf("hosting as %s (type help for commands)\n", id.DisplayName)

	ui := newRenderer(id.DeviceID)
	lines := readLines()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, os.Interrupt)

	for {
		select {
		case <-sig:
			fmt.Println("\nclosing the room")
			return
		case ev := <-h.Events():
			ui.handle(ev)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if hostCommand(h, ui, line) {
				return
			}
		}
	}
}

func hostCommand(h *session.Host, ui *renderer, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "start":
		err = h.StartGame()
	case "deal":
		err = h.DealNext()
	case "lobby":
		err = h.ReturnToLobby()
	case "bot":
		err = h.AddBot(strings.Join(fields[1:], " "))
	case "game":
		if len(fields) < 2 {
			err = errors.New("usage: game KIND")
			break
		}
		err = h.SelectGame(fields[1])
	case "remove":
		if len(fields) < 2 {
			err = errors.New("usage: remove PLAYER")
			break
		}
		var target string
		if target, err = resolveSeat(h.Room(), strings.Join(fields[1:], " ")); err == nil {
			err = h.RemovePlayer(target)
		}
	case "draw":
		err = h.Act(drawMove())
	case "play":
		err = h.Act([]byte(strings.TrimSpace(strings.TrimPrefix(line, "play"))))
	case "who":
		ui.printRoom(h.Room())
	case "ids":
		printIDs(h.Room())
	case "quit", "exit":
		return true
	case "help":
		fmt.Println("start · deal · lobby · bot [NAME] · game KIND · draw · play JSON · remove PLAYER · who · ids · quit")
	default:
		fmt.Printf("unknown command %q (try help)\n", fields[0])
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

func runJoin(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	name := fs.String("name", "", "display name for your seat")
	useRTC := fs.Bool("rtc", false, "join over WebRTC data channels")
	fs.Parse(args)

	codeArg := fs.Arg(0)
	if codeArg == "" {
		usage()
		os.Exit(2)
	}

	id := loadIdentity(cfg, *name)

	c, err := session.Dial(context.Background(), buildTransport(cfg, *useRTC), codeArg, id.DeviceID, session.ClientOptions{
		DisplayName: id.DisplayName,
	})
	if err != nil {
		log.Fatalf("join: %v", err)
	}

	fmt.Printf("joined %s as %s (type help for commands)\n", c.RoomCode(), id.DisplayName)

	ui := newRenderer(id.DeviceID)
	ui.printRoom(c.Room())

	lines := readLines()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, os.Interrupt)

	for {
		select {
		case <-sig:
			fmt.Println("\nleaving the table")
			c.Leave()
			return
		case ev := <-c.Events():
			if ui.handle(ev) {
				return
			}
		case line, ok := <-lines:
			if !ok {
				c.Leave()
				return
			}
			if clientCommand(c, ui, line) {
				return
			}
		}
	}
}

func clientCommand(c *session.Client, ui *renderer, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "draw":
		err = c.Act(drawMove())
	case "play":
		err = c.Act([]byte(strings.TrimSpace(strings.TrimPrefix(line, "play"))))
	case "who":
		ui.printRoom(c.Room())
	case "table":
		ui.printGame(c.GameState())
	case "leave", "quit", "exit":
		c.Leave()
		return true
	case "help":
		fmt.Println("draw · play JSON · who · table · leave")
	default:
		fmt.Printf("unknown command %q (try help)\n", fields[0])
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

func loadIdentity(cfg config.Config, name string) identity.Identity {
	path := cfg.IdentityFile
	if path == "" {
		p, err := identity.DefaultPath()
		if err != nil {
			log.Fatalf("identity: %v", err)
		}
		path = p
	}

	id, err := identity.Load(path)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	if name != "" && name != id.DisplayName {
		id.DisplayName = name
		if err := identity.Save(path, id); err != nil {
			log.Printf("identity: could not persist name: %v", err)
		}
	}
	if id.DisplayName == "" {
		id.DisplayName = "Player"
	}
	return id
}

func buildTransport(cfg config.Config, useRTC bool) transport.Transport {
	wsT := ws.New(ws.Options{
		BindHost:       cfg.BindHost,
		GatewayHost:    cfg.GatewayHost,
		BasePort:       cfg.BasePort,
		PortSpan:       cfg.PortSpan,
		OpenTimeout:    cfg.OpenTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if !useRTC {
		return wsT
	}
	return rtc.New(wsT, rtc.Options{STUNServers: cfg.STUNServers, OpenTimeout: cfg.OpenTimeout})
}

// resolveSeat turns what a user typed into a device id, accepting either the
// id itself or an unambiguous display name.
func resolveSeat(st *room.State, q string) (string, error) {
	if st == nil {
		return "", errors.New("room is gone")
	}
	for _, p := range st.Players {
		if p.ID == q {
			return p.ID, nil
		}
	}
	var match string
	for _, p := range st.Players {
		if strings.EqualFold(p.DisplayName, q) {
			if match != "" {
				return "", fmt.Errorf("%q names more than one player, use ids", q)
			}
			match = p.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no player called %q", q)
	}
	return match, nil
}

func drawMove() []byte {
	return []byte(`{"move":"draw"}`)
}

func readLines() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
