// Entavi console client.
//
// A line-oriented front end for the call engine: each command maps to one
// engine operation, and engine events are printed as they arrive. It exists
// both as a usable client and as the reference wiring for embedding the
// engine behind a richer UI.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/entavi/config"
	"github.com/opd-ai/entavi/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"level":    cfg.LogLevel,
		}).Warn("Unknown log level, keeping default")
	}

	eng := engine.New(cfg)
	go printEvents(eng)

	fmt.Println("entavi console. Type 'help' for commands.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !dispatch(eng, line) {
			break
		}
	}

	_ = eng.LeaveRoom()
}

// dispatch runs one console command; it returns false when the session
// should end.
func dispatch(eng *engine.Engine, line string) bool {
	args := strings.Fields(line)
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "help":
		printHelp()

	case "create":
		if len(rest) < 2 {
			fmt.Println("usage: create <room-name> <display-name> [password]")
			return true
		}
		roomID, err := eng.CreateRoom(rest[0], rest[1], optional(rest, 2))
		if err != nil {
			fmt.Printf("create failed: %v\n", err)
			return true
		}
		fmt.Printf("room created, share this id: %s\n", roomID)

	case "join":
		if len(rest) < 2 {
			fmt.Println("usage: join <room-id> <display-name> [password]")
			return true
		}
		if err := eng.JoinRoom(rest[0], rest[1], optional(rest, 2)); err != nil {
			fmt.Printf("join failed: %v\n", err)
		}

	case "leave":
		if err := eng.LeaveRoom(); err != nil {
			fmt.Printf("leave failed: %v\n", err)
		}

	case "mute":
		eng.SetMuted(true)
	case "unmute":
		eng.SetMuted(false)

	case "denoise":
		if len(rest) != 1 || (rest[0] != "on" && rest[0] != "off") {
			fmt.Println("usage: denoise on|off")
			return true
		}
		eng.SetNoiseSuppression(rest[0] == "on")

	case "devices":
		for _, d := range eng.ListInputDevices() {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, d.Name)
		}

	case "device":
		if len(rest) == 0 {
			fmt.Println("usage: device <name>")
			return true
		}
		if err := eng.SetInputDevice(strings.Join(rest, " ")); err != nil {
			fmt.Printf("device switch failed: %v\n", err)
		}

	case "mictest":
		if len(rest) != 1 || (rest[0] != "start" && rest[0] != "stop") {
			fmt.Println("usage: mictest start|stop")
			return true
		}
		if rest[0] == "start" {
			if err := eng.StartMicTest(); err != nil {
				fmt.Printf("mic test failed: %v\n", err)
			}
		} else {
			eng.StopMicTest()
		}

	case "kick":
		if len(rest) != 1 {
			fmt.Println("usage: kick <peer-id>")
			return true
		}
		if err := eng.KickPeer(rest[0]); err != nil {
			fmt.Printf("kick failed: %v\n", err)
		}

	case "forcemute":
		if len(rest) != 1 {
			fmt.Println("usage: forcemute <peer-id>")
			return true
		}
		if err := eng.ForceMutePeer(rest[0]); err != nil {
			fmt.Printf("forcemute failed: %v\n", err)
		}

	case "lock":
		if err := eng.LockRoom(optional(rest, 0)); err != nil {
			fmt.Printf("lock failed: %v\n", err)
		}

	case "server":
		if len(rest) != 1 {
			fmt.Println("usage: server <ws-url>")
			return true
		}
		eng.SetSignalingURL(rest[0])

	case "status":
		st := eng.State()
		fmt.Printf("state=%s room=%s host=%v locked=%v speaking=%v\n",
			st.Status, st.RoomID, st.IsHost, st.Locked, eng.IsSpeaking())

	case "quit", "exit":
		return false

	default:
		fmt.Printf("unknown command %q, try 'help'\n", cmd)
	}
	return true
}

// printEvents renders engine notifications to the console as they arrive.
func printEvents(eng *engine.Engine) {
	for ev := range eng.Events() {
		switch ev.Type {
		case engine.EventStateChanged:
			if ev.State != nil {
				fmt.Printf("\n[state] %s %s\n> ", ev.State.Status, ev.State.RoomID)
			}
		case engine.EventPeerJoined:
			fmt.Printf("\n[peer joined] %s (%s)\n> ", ev.Name, ev.PeerID)
		case engine.EventPeerLeft:
			fmt.Printf("\n[peer left] %s\n> ", ev.PeerID)
		case engine.EventKicked:
			fmt.Printf("\n[kicked] removed from the room by the host\n> ")
		case engine.EventForceMuted:
			fmt.Printf("\n[muted] the host muted your microphone\n> ")
		case engine.EventRoomLocked:
			fmt.Printf("\n[room] locked=%v\n> ", ev.Locked)
		case engine.EventError:
			fmt.Printf("\n[error] %s\n> ", ev.Message)
		case engine.EventMicLevel:
			fmt.Printf("\r[mic] %s", levelBar(ev.Level))
		}
	}
}

// levelBar renders a 20-cell meter for a [0,1] level.
func levelBar(level float64) string {
	const cells = 20
	n := int(level * cells)
	if n > cells {
		n = cells
	}
	return "[" + strings.Repeat("#", n) + strings.Repeat("-", cells-n) + "]"
}

func optional(args []string, i int) *string {
	if i >= len(args) {
		return nil
	}
	return &args[i]
}

func printHelp() {
	fmt.Println(`commands:
  create <room-name> <display-name> [password]   create and join a room
  join <room-id> <display-name> [password]       join an existing room
  leave                                          leave the current room
  mute | unmute                                  toggle your microphone
  denoise on|off                                 toggle noise suppression
  devices                                        list input devices (* = default)
  device <name>                                  switch input device
  mictest start|stop                             loopback device check
  kick <peer-id>                                 remove a participant (host)
  forcemute <peer-id>                            mute a participant (host)
  lock [password]                                toggle the room lock (host)
  server <ws-url>                                set the signaling server URL
  status                                         show call state
  quit                                           exit`)
}
