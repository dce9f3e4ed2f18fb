package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"p2pgo/internal/archive"
	"p2pgo/internal/channel"
	"p2pgo/internal/game"
	"p2pgo/internal/metrics"
	"p2pgo/internal/node"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "games":
		return runGames(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "p2pgo-node %s\n", version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: p2pgo-node <run|status|games|version> [args]")
	fmt.Fprintln(w, "  run    --game <id> [--mode host|join] [--addr ip:port] [--peer ip:port]")
	fmt.Fprintln(w, "         [--name <player>] [--board-size 19] [--root <dir>] [--debug]")
	fmt.Fprintln(w, "  status [--root <dir>]")
	fmt.Fprintln(w, "  games  [--root <dir>]")
	fmt.Fprintln(w, "  version")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg := node.DefaultConfig()

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", cfg.Root, "data directory")
	addr := fs.String("addr", cfg.ListenAddr, "listen addr (host:port)")
	gameID := fs.String("game", "", "game id")
	mode := fs.String("mode", cfg.Mode, "host or join")
	peer := fs.String("peer", "", "host addr to join (host:port)")
	name := fs.String("name", cfg.PlayerName, "player name")
	boardSize := fs.Int("board-size", int(cfg.BoardSize), "board size")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *gameID == "" {
		fmt.Fprintln(stderr, "missing --game")
		return 1
	}
	if *debug {
		_ = os.Setenv("P2PGO_DEBUG", "1")
	}

	cfg.Root = *root
	cfg.ListenAddr = *addr
	cfg.GameID = *gameID
	cfg.Mode = *mode
	cfg.PeerAddr = *peer
	cfg.PlayerName = *name
	cfg.BoardSize = uint8(*boardSize)
	cfg.MetricsFile = filepath.Join(cfg.Root, "metrics.json")
	cfg.ApplyEnv()

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "node init failed: %v\n", err)
		return 1
	}
	defer n.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Run(ctx, ready)
	}()
	select {
	case <-ready:
	case err := <-errCh:
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 1
	}

	var ch *channel.GameChannel
	switch cfg.Mode {
	case "host":
		ch, err = n.HostGame(cfg.GameID, cfg.BoardSize)
	case "join":
		ch, err = n.JoinGame(ctx, cfg.GameID)
	default:
		fmt.Fprintf(stderr, "unknown mode: %s\n", cfg.Mode)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", cfg.Mode, err)
		return 1
	}

	fmt.Fprintf(stdout, "READY addr=%s game=%s mode=%s player=%x\n",
		cfg.ListenAddr, cfg.GameID, cfg.Mode, n.PlayerID())

	go printEvents(stdout, ch.Subscribe())
	go moveLoop(ctx, stdout, stderr, n, cfg.GameID, cfg.Mode)

	select {
	case <-ctx.Done():
		return 0
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(stderr, "serve failed: %v\n", err)
			return 1
		}
		return 0
	}
}

func printEvents(w io.Writer, events <-chan channel.Event) {
	for ev := range events {
		switch ev.Type {
		case channel.EventMoveApplied:
			fmt.Fprintf(w, "move %d: %s\n", ev.Sequence, ev.Move)
		case channel.EventGameEnded:
			fmt.Fprintf(w, "game over: %s\n", ev.Detail)
		case channel.EventConnectionDegraded:
			fmt.Fprintln(w, "connection degraded: peer is not acknowledging moves")
		case channel.EventGameIntegrityFailure:
			fmt.Fprintf(w, "FATAL: game integrity failure: %s\n", ev.Detail)
		case channel.EventSyncStarted:
			fmt.Fprintln(w, "syncing with peer...")
		case channel.EventSyncCompleted:
			fmt.Fprintf(w, "synced at move %d\n", ev.Sequence)
		}
	}
}

// moveLoop reads commands from stdin: "play <x> <y>", "pass", "resign".
// The host plays black, the joiner white.
func moveLoop(ctx context.Context, stdout, stderr io.Writer, n *node.Node, gameID, mode string) {
	color := game.Black
	if mode == "join" {
		color = game.White
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		var mv game.Move
		switch fields[0] {
		case "play":
			if len(fields) != 3 {
				fmt.Fprintln(stderr, "usage: play <x> <y>")
				continue
			}
			x, errX := strconv.Atoi(fields[1])
			y, errY := strconv.Atoi(fields[2])
			if errX != nil || errY != nil || x < 0 || y < 0 || x > 255 || y > 255 {
				fmt.Fprintln(stderr, "coordinates must be small non-negative integers")
				continue
			}
			mv = game.Move{Kind: game.MovePlace, X: uint8(x), Y: uint8(y), Color: color}
		case "pass":
			mv = game.Move{Kind: game.MovePass, Color: color}
		case "resign":
			mv = game.Move{Kind: game.MoveResign, Color: color}
		case "quit":
			return
		default:
			fmt.Fprintln(stderr, "commands: play <x> <y> | pass | resign | quit")
			continue
		}
		if _, err := n.SubmitMove(gameID, mv); err != nil {
			fmt.Fprintf(stderr, "move rejected: %v\n", err)
		}
	}
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", node.DefaultConfig().Root, "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap := readMetricsSnapshot(filepath.Join(*root, "metrics.json"))
	fmt.Fprintln(stdout, "Local counters (since last node start):")
	fmt.Fprintf(stdout, "  moves: applied=%d duplicate=%d rejected=%d ack_timeouts=%d\n",
		snap.Moves.Applied, snap.Moves.Duplicate, snap.Moves.Rejected, snap.Moves.AckTimeout)
	fmt.Fprintf(stdout, "  sync: started=%d completed=%d forks=%d integrity_failures=%d snapshots=%d\n",
		snap.Sync.Started, snap.Sync.Completed, snap.Sync.ForksResolved, snap.Sync.IntegrityFailures, snap.Sync.Snapshots)
	fmt.Fprintf(stdout, "  relay: quota_rejected=%d bandwidth_rejected=%d circuits_expired=%d\n",
		snap.Relay.QuotaRejected, snap.Relay.BandwidthRejected, snap.Relay.CircuitsExpired)
	fmt.Fprintf(stdout, "  events dropped: %d\n", snap.Events.Dropped)
	return 0
}

func runGames(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("games", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", node.DefaultConfig().Root, "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	arch, err := archive.New(filepath.Join(*root, "archive"))
	if err != nil {
		fmt.Fprintf(stderr, "archive unavailable: %v\n", err)
		return 1
	}
	results, err := arch.ListResults()
	if err != nil {
		fmt.Fprintf(stderr, "read results: %v\n", err)
		return 1
	}
	if len(results) == 0 {
		fmt.Fprintln(stdout, "no finished games")
		return 0
	}
	for _, r := range results {
		fmt.Fprintf(stdout, "%s moves=%d head=%s finished=%s %s\n",
			r.GameID, r.Moves, r.HeadHash, r.FinishedAt.Format("2006-01-02 15:04"), r.Detail)
	}
	return 0
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
