// Command vexconnect is a mesh-relay node: it broadcasts and relays
// authenticated messages to its peers over Unix-domain stream sockets
// (spec.md §1, §7).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/victorvexastor/vexconnect/identity"
	"github.com/victorvexastor/vexconnect/mesh"
	"github.com/victorvexastor/vexconnect/node"
	"github.com/victorvexastor/vexconnect/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

// peerList collects repeated -peer flags into a bounded slice, the flag
// package's idiomatic multi-value pattern (flag.Value).
type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }

func (p *peerList) Set(value string) error {
	if len(*p) >= transport.MaxPeers {
		return fmt.Errorf("too many -peer flags (max %d)", transport.MaxPeers)
	}
	*p = append(*p, value)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	listen := flag.String("listen", "", "Unix socket path to listen on for incoming peer connections")
	var peers peerList
	flag.Var(&peers, "peer", "Unix socket path of a peer to connect to (repeatable, up to 32)")
	name := flag.String("name", "", "Name shown in this node's banner and stats (defaults to vex-<identity fingerprint>)")
	ttl := flag.Uint("ttl", uint(mesh.DefaultTTL), "Hop limit applied to locally originated broadcasts")
	noRelay := flag.Bool("no-relay", false, "Disable forwarding received packets to other peers")
	stats := flag.Bool("stats", false, "Expose Prometheus metrics over HTTP")
	statsAddr := flag.String("stats-addr", "127.0.0.1:9090", "Address to serve metrics on when -stats is set")
	identityDir := flag.String("identity-dir", "", "Directory holding this node's persisted keys (defaults to ~/.vexconnect)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("vexconnect %s\n", Version)
		return 0
	}

	if *listen == "" {
		fmt.Fprintln(os.Stderr, "vexconnect: -listen is required")
		flag.Usage()
		return 2
	}
	if *ttl == 0 || *ttl > 255 {
		fmt.Fprintln(os.Stderr, "vexconnect: -ttl must be between 1 and 255")
		return 2
	}

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	statsAddrArg := ""
	if *stats {
		statsAddrArg = *statsAddr
	}

	n, err := node.New(node.Config{
		ListenPath:   *listen,
		PeerPaths:    peers,
		Name:         *name,
		TTL:          uint8(*ttl),
		RelayEnabled: !*noRelay,
		StatsAddr:    statsAddrArg,
		IdentityDir:  *identityDir,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "vexconnect: %v\n", err)
		return 1
	}

	fmt.Printf("=== vexconnect %s ===\n", Version)
	fmt.Printf("node %s ready (id: %s)\n", n.Name(), n.Fingerprint())
	if *listen != "" {
		fmt.Printf("listening:   %s\n", *listen)
	}
	if len(peers) > 0 {
		fmt.Printf("peers:       %s\n", strings.Join(peers, ", "))
	}
	fmt.Println("Type a message and press enter to broadcast it. /peers, /stats, /quit.")
	fmt.Println()

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		close(stop)
	}()

	return n.Run(stop)
}

func setupLogging() (*slog.Logger, *os.File) {
	dir := identity.Dir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logFile, err := os.OpenFile(dir+"/vexconnect.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
