package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/orbitmeet/orbit/internal/config"
	"github.com/orbitmeet/orbit/internal/mesh"
	"github.com/orbitmeet/orbit/internal/proto"
	"github.com/orbitmeet/orbit/internal/room"
	"github.com/orbitmeet/orbit/internal/transport"
	"github.com/orbitmeet/orbit/internal/util"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Orbit v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "join":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: join requires a room name")
			fmt.Fprintln(os.Stderr, "Usage: orbit join <room> [flags]")
			os.Exit(1)
		}
		runJoin(args[1], args[2:])

	case "relay":
		addr := ":8790"
		if len(args) > 1 {
			addr = args[1]
		}
		runRelay(addr)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runJoin(roomName string, rest []string) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	var (
		name    = fs.String("name", "", "Display name (overrides config)")
		dir     = fs.String("dir", ".", "Client directory holding orbit.json and state")
		backend = fs.String("backend", "", "Transport backend: pubsub or relay (overrides config)")
		relay   = fs.String("relay", "", "Relay URL for the relay backend (overrides config)")
		lobby   = fs.Bool("lobby", false, "Require approval for joiners if this join creates the room")
		noMedia = fs.Bool("no-media", false, "Join receive-only without camera or microphone")
		debug   = fs.Bool("debug", false, "Verbose logging")
	)
	_ = fs.Parse(rest)

	if *debug {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	absDir, err := filepath.Abs(*dir)
	if err != nil {
		log.Fatalf("invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "orbit.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Infof("wrote default config to %s", cfgPath)
	}
	if *name != "" {
		cfg.Identity.DisplayName = *name
	}
	if *backend != "" {
		cfg.Transport.Backend = *backend
	}
	if *relay != "" {
		cfg.Transport.RelayURL = *relay
	}
	if *noMedia {
		cfg.Media.Disabled = true
	}
	if cfg.Identity.Salt == "" {
		cfg.Identity.Salt = fmt.Sprintf("%x", time.Now().UnixNano())
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Warnf("persist salt: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	watcher, err := config.Watch(cfgPath, cfg)
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nLeaving...")
		cancel()
	}()

	stateDir := util.ResolvePath(absDir, cfg.Paths.DataDir)
	ch, cleanup, err := openChannel(ctx, cfg, roomName, stateDir)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	defer cleanup()

	sess, err := room.Join(ctx, ch, roomName, room.Options{
		DisplayName:       cfg.Identity.DisplayName,
		Salt:              cfg.Identity.Salt,
		RequireApproval:   *lobby,
		HeartbeatInterval: time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
		LivenessWindow:    time.Duration(cfg.Presence.LivenessSec) * time.Second,
		ConnectTimeout:    time.Duration(cfg.Mesh.ConnectTimeoutSec) * time.Second,
		MaxAttempts:       cfg.Mesh.MaxAttempts,
		MediaDisabled:     cfg.Media.Disabled,
		ICEServers:        cfg.Mesh.STUNServers,
	})
	if err != nil {
		log.Fatalf("join: %v", err)
	}
	defer sess.Leave()

	if watcher != nil {
		watcher.OnReload(func(c config.Config) {
			sess.SetPresenceTimings(
				time.Duration(c.Presence.HeartbeatSec)*time.Second,
				time.Duration(c.Presence.LivenessSec)*time.Second)
			log.Infof("config reloaded: heartbeat %ds, liveness %ds",
				c.Presence.HeartbeatSec, c.Presence.LivenessSec)
		})
	}

	fmt.Printf("Joined %s as %s (%s)\n", roomName, cfg.Identity.DisplayName, sess.Self().Role)
	runConsole(ctx, cancel, sess)
}

// openChannel builds the configured transport backend. Cleanup closes the
// channel and, for pubsub, the underlying node.
func openChannel(ctx context.Context, cfg config.Config, roomName, stateDir string) (transport.Channel, func(), error) {
	switch cfg.Transport.Backend {
	case "relay":
		ch, err := transport.NewWSChannel(ctx, cfg.Transport.RelayURL, roomName, stateDir)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() { ch.Close() }, nil
	default:
		node, err := transport.NewNode(ctx, cfg.Transport.ListenPort, cfg.Transport.MdnsTag)
		if err != nil {
			return nil, nil, err
		}
		ch, err := transport.NewPubSubChannel(ctx, node, roomName, stateDir)
		if err != nil {
			node.Close()
			return nil, nil, err
		}
		for _, a := range node.Addrs() {
			log.Debugf("listening on %s", a)
		}
		return ch, func() { ch.Close(); node.Close() }, nil
	}
}

// runConsole is a minimal terminal front end: lines are chat, slash
// commands drive the session. The real UI sits elsewhere; this keeps the
// core usable from a shell.
func runConsole(ctx context.Context, cancel context.CancelFunc, sess *room.Session) {
	sess.Mesh().OnStateChange(func(id string, s mesh.State) {
		fmt.Printf("[mesh] %s → %s\n", id, s)
	})
	go drainEvents(ctx, sess)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			cancel()
			return
		case line, ok := <-lines:
			if !ok {
				cancel()
				return
			}
			if err := handleLine(ctx, sess, line); err != nil {
				if err == errQuit {
					cancel()
					return
				}
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

var errQuit = fmt.Errorf("quit")

func handleLine(ctx context.Context, sess *room.Session, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return sess.Chat().Send(ctx, line)
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case "/quit":
		return errQuit
	case "/who":
		for _, p := range sess.Roster() {
			state := ""
			if p.ID != sess.ID() {
				state = " [" + sess.Mesh().PeerState(p.ID).String() + "]"
			}
			fmt.Printf("  %s  %s (%s, %s)%s\n", p.ID, p.Name, p.Role, p.Status, state)
		}
		return nil
	case "/mute":
		if arg == "" {
			fmt.Printf("muted: %v\n", sess.ToggleMute())
			return nil
		}
		return sess.Mute(ctx, arg)
	case "/video":
		fmt.Printf("video off: %v\n", sess.ToggleVideo())
		return nil
	case "/kick":
		return sess.Kick(ctx, arg)
	case "/admit":
		return sess.Admit(ctx, arg)
	case "/deny":
		return sess.Deny(ctx, arg)
	case "/hand":
		sess.SetHandRaised(arg != "down")
		return nil
	case "/react":
		sess.React(arg)
		return nil
	case "/caption":
		return sess.PublishCaption(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/caption")))
	case "/share":
		return sess.StartScreenShare()
	case "/unshare":
		sess.StopScreenShare()
		return nil
	case "/assistant":
		if arg == "off" {
			sess.DisableAssistant()
			return nil
		}
		if arg == "" {
			arg = "Assistant"
		}
		return sess.EnableAssistant(ctx, arg)
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

// drainEvents prints notices, chat, and captions as they arrive.
func drainEvents(ctx context.Context, sess *room.Session) {
	for _, msg := range sess.Chat().History() {
		printChat(msg)
	}
	sess.Chat().OnMessage(func(msg proto.ChatMessage) { printChat(msg) })
	sess.Captions().OnCaption(func(c proto.Caption) {
		fmt.Printf("[cc] %s: %s\n", c.SpeakerName, c.Text)
	})
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-sess.Notices():
			fmt.Printf("[%s] %s\n", n.Level, n.Text)
		}
	}
}

func printChat(msg proto.ChatMessage) {
	tag := ""
	if msg.IsAI {
		tag = " (ai)"
	}
	fmt.Printf("<%s%s> %s\n", msg.SenderName, tag, msg.Text)
}

func runRelay(addr string) {
	logging.SetAllLoggers(logging.LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	relay, err := transport.NewRelay("data")
	if err != nil {
		log.Fatalf("relay: %v", err)
	}
	defer relay.Close()

	if err := relay.ListenAndServe(ctx, addr); err != nil {
		log.Fatalf("relay: %v", err)
	}
}

func showUsage() {
	fmt.Println("Orbit - group call coordination")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  orbit join <room> [flags]   Join a room from this terminal")
	fmt.Println("  orbit relay [addr]          Run a websocket relay (default :8790)")
	fmt.Println()
	fmt.Println("Join flags:")
	fmt.Println("  -name <name>     Display name")
	fmt.Println("  -dir <dir>       Client directory (orbit.json + state), default .")
	fmt.Println("  -backend <b>     pubsub (LAN gossip) or relay")
	fmt.Println("  -relay <url>     Relay URL, e.g. ws://relay.example.org:8790")
	fmt.Println("  -lobby           Require approval if this join creates the room")
	fmt.Println("  -no-media        Join receive-only")
	fmt.Println("  -debug           Verbose logging")
	fmt.Println()
	fmt.Println("Console: plain lines are chat; /who /mute [id] /video /kick <id>")
	fmt.Println("  /admit <id> /deny <id> /hand [down] /react <emoji> /caption <text>")
	fmt.Println("  /share /unshare /assistant [name|off] /quit")
}
