// Package metrics exposes the node's packet counters and live peer count as
// Prometheus metrics (spec.md §4.H, a domain-stack enrichment: the
// specification's "print a stats line" requirement is additionally exposed
// over HTTP in the idiom the rest of the retrieved pack uses for this
// concern).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vexconnect"

// Metrics mirrors mesh.Counters and the transport's peer count as Prometheus
// collectors, registered against a private registry so a node embedding this
// package never pollutes prometheus.DefaultRegisterer.
type Metrics struct {
	registry *prometheus.Registry

	Sent     prometheus.Counter
	Received prometheus.Counter
	Relayed  prometheus.Counter
	Dropped  prometheus.Counter
	Peers    prometheus.GaugeFunc
}

// New creates the metrics set and registers it. peerCount is polled on every
// scrape, so it should be cheap — transport.PeerCount() is a lock-guarded
// slice scan, not a separately mutated field.
func New(peerCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Broadcasts originated by this node.",
		}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Distinct packets accepted from peers.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_relayed_total",
			Help:      "Packets forwarded onward after being received.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets rejected as malformed or as duplicates.",
		}),
		Peers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Currently connected peer sessions.",
		}, peerCount),
	}

	reg.MustRegister(m.Sent, m.Received, m.Relayed, m.Dropped, m.Peers)
	return m
}

// Handler returns the HTTP handler that serves this node's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server wraps an http.Server bound to addr, serving Handler at /metrics.
type Server struct {
	httpServer *http.Server
}

// Serve starts listening on addr in the background. Call Shutdown to stop it.
func Serve(addr string, m *Metrics) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = err
		}
	}()

	return &Server{httpServer: srv}, nil
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
