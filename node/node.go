// Package node wires identity, transport, the mesh engine, and metrics
// together behind a single dispatcher goroutine (spec.md §4.F). The
// reference implementation multiplexes local stdin, the listening socket,
// and every peer socket through one poll(2) call on one thread; this
// package renders the same "exactly one goroutine ever touches mutable node
// state" contract as a select loop over channels fed by I/O-only goroutines
// (spec.md §5, §9).
package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/victorvexastor/vexconnect/identity"
	"github.com/victorvexastor/vexconnect/mesh"
	"github.com/victorvexastor/vexconnect/meshcrypto"
	"github.com/victorvexastor/vexconnect/metrics"
	"github.com/victorvexastor/vexconnect/seen"
	"github.com/victorvexastor/vexconnect/transport"
)

// pruneInterval is how often the dispatcher sweeps the seen cache for
// expired entries (spec.md §4.B).
const pruneInterval = 10 * time.Second

// Config holds everything needed to start a Node.
type Config struct {
	ListenPath  string   // empty disables the accept loop
	PeerPaths   []string // paths to dial out to on startup
	Name        string
	TTL         uint8
	RelayEnabled bool
	StatsAddr   string // empty disables the metrics HTTP server
	IdentityDir string
	Logger      *slog.Logger
}

// Node is the running mesh participant: one Transport, one Mesh engine, and
// the dispatcher goroutine that owns both.
type Node struct {
	cfg       Config
	name      string
	identity  *identity.Identity
	transport *transport.Transport
	mesh      *mesh.Mesh
	metrics   *metrics.Metrics
	metricSrv *metrics.Server
	logger    *slog.Logger

	startedAt time.Time
	localIn   chan string
}

// New loads or generates this node's identity and assembles the transport
// and mesh engine, but does not yet start any goroutines.
func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL == 0 {
		cfg.TTL = mesh.DefaultTTL
	}

	dir := cfg.IdentityDir
	if dir == "" {
		dir = identity.Dir()
	}
	id, err := identity.LoadOrGenerate(dir)
	if err != nil {
		return nil, fmt.Errorf("node: load identity: %w", err)
	}

	tr := transport.New(cfg.Logger)
	m := mesh.New(tr, seen.New(seen.DefaultCapacity, seen.DefaultTTL), meshcrypto.DeriveKey(), cfg.Logger)
	m.DefaultTTL = cfg.TTL
	m.RelayEnabled = cfg.RelayEnabled

	// A blank -name falls back to "vex-<fingerprint>", the same synthesized
	// default the original node_name logic applies (src/mesh.c).
	name := cfg.Name
	if name == "" {
		name = "vex-" + id.Fingerprint()
	}

	n := &Node{
		cfg:       cfg,
		name:      name,
		identity:  id,
		transport: tr,
		mesh:      m,
		logger:    cfg.Logger,
		localIn:   make(chan string, 8),
	}
	m.Deliver = n.deliver

	if cfg.StatsAddr != "" {
		n.metrics = metrics.New(func() float64 { return float64(tr.PeerCount()) })
		m.Metrics = n.metrics
	}

	return n, nil
}

func (n *Node) deliver(plaintext []byte, ttl, hops uint8) {
	fmt.Printf("< %s\n", string(plaintext))
}

// Fingerprint returns this node's identity fingerprint, for the startup
// banner.
func (n *Node) Fingerprint() string {
	return n.identity.Fingerprint()
}

// Name returns this node's display name: the -name flag's value, or the
// synthesized "vex-<fingerprint>" default when none was given.
func (n *Node) Name() string {
	return n.name
}

// Run starts the listener, dials configured peers, starts the dispatcher,
// and blocks reading interactive commands from stdin until it returns EOF or
// stop is closed. It returns the process exit code (spec.md §7).
func (n *Node) Run(stop <-chan struct{}) int {
	n.startedAt = time.Now()

	n.logger.Info("node online", "name", n.name, "ttl", n.mesh.DefaultTTL)

	if n.cfg.ListenPath != "" {
		if err := n.transport.Listen(n.cfg.ListenPath); err != nil {
			n.logger.Error("listen failed", "error", err)
			return 1
		}
	}

	for _, path := range n.cfg.PeerPaths {
		if _, err := n.transport.Connect(path); err != nil {
			n.logger.Warn("could not connect to peer", "path", path, "error", err)
		}
	}

	if n.metrics != nil {
		srv, err := metrics.Serve(n.cfg.StatsAddr, n.metrics)
		if err != nil {
			n.logger.Warn("stats server failed to start", "error", err)
		} else {
			n.metricSrv = srv
			n.logger.Info("stats endpoint ready", "addr", n.cfg.StatsAddr)
		}
	}

	go n.readStdin()

	n.dispatch(stop)
	return 0
}

// readStdin feeds interactive lines into localIn. It is the one goroutine
// allowed to block on os.Stdin, keeping that blocking syscall off the
// dispatcher (spec.md §4.F).
func (n *Node) readStdin() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		n.localIn <- scanner.Text()
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		n.logger.Debug("stdin read error", "error", err)
	}
	close(n.localIn)
}

// dispatch is the single goroutine that owns mesh and transport state,
// selecting over local commands, transport events, and a maintenance ticker.
func (n *Node) dispatch(stop <-chan struct{}) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			n.shutdown()
			return

		case line, ok := <-n.localIn:
			if !ok {
				n.shutdown()
				return
			}
			n.handleCommand(line)

		case ev := <-n.transport.Events():
			if ev.Err != nil {
				n.logger.Debug("peer disconnected", "peer", ev.Peer.Name, "error", ev.Err)
				continue
			}
			n.mesh.Receive(ev.Frame, ev.Peer)

		case <-ticker.C:
			n.mesh.Seen.Prune()
		}
	}
}

func (n *Node) handleCommand(line string) {
	switch line {
	case "/peers":
		n.printPeers()
	case "/stats":
		n.printStats()
	case "/quit", "/q":
		n.shutdown()
		os.Exit(0)
	default:
		if line == "" {
			return
		}
		if err := n.mesh.Send(line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
}

func (n *Node) printPeers() {
	peers := n.transport.Peers()
	if len(peers) == 0 {
		fmt.Println("no connected peers")
		return
	}
	for _, p := range peers {
		fmt.Printf("  %s  last_seen=%s\n", p.Name, time.Unix(p.LastSeen, 0).Format(time.RFC3339))
	}
}

func (n *Node) printStats() {
	fmt.Printf("node=%s uptime=%s peers=%d sent=%d received=%d relayed=%d dropped=%d\n",
		n.name,
		time.Since(n.startedAt).Round(time.Second),
		n.transport.PeerCount(),
		n.mesh.Counters.Sent.Load(),
		n.mesh.Counters.Received.Load(),
		n.mesh.Counters.Relayed.Load(),
		n.mesh.Counters.Dropped.Load(),
	)
}

func (n *Node) shutdown() {
	n.logger.Info("shutting down")
	_ = n.transport.Close()
	if n.metricSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = n.metricSrv.Shutdown(ctx)
	}
}
