// Package metrics registers the ambient observability counters/gauges
// carried alongside the core protocol (SPEC_FULL.md §B), grounded on
// ryandielhenn-zephyrcache's use of github.com/prometheus/client_golang.
// Neither spec.md nor its Non-goals mention metrics; this is ambient stack,
// not a protocol feature, so it never influences protocol decisions.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Seed holds the counters/gauges exposed by a seed process.
type Seed struct {
	LivePeers  prometheus.Gauge
	VotesCast  prometheus.Counter
	Commits    prometheus.Counter
	Removals   prometheus.Counter
	FramesDrop prometheus.Counter
}

// NewSeed registers a fresh metric set on its own registry (so multiple
// seeds in the same test process don't collide on the default registry).
func NewSeed() (*Seed, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Seed{
		LivePeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_seed_live_peers",
			Help: "Number of peers currently committed to live_peers.",
		}),
		VotesCast: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_seed_votes_cast_total",
			Help: "Total VOTE_ADD frames received by this seed.",
		}),
		Commits: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_seed_commits_total",
			Help: "Total ADD proposals committed by this seed.",
		}),
		Removals: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_seed_removals_total",
			Help: "Total REMOVE proposals committed by this seed.",
		}),
		FramesDrop: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_seed_frames_dropped_total",
			Help: "Total malformed or invariant-violating frames dropped.",
		}),
	}, reg
}

// Peer holds the counters/gauges exposed by a peer process.
type Peer struct {
	Neighbors      prometheus.Gauge
	GossipOrigin   prometheus.Counter
	GossipForward  prometheus.Counter
	GossipDropDup  prometheus.Counter
	PingMisses     prometheus.Counter
	SuspectEvents  prometheus.Counter
	DeadNodeEvents prometheus.Counter
}

// NewPeer registers a fresh metric set for a peer process.
func NewPeer() (*Peer, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Peer{
		Neighbors: f.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_peer_neighbors",
			Help: "Current size of the neighbor table.",
		}),
		GossipOrigin: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_peer_gossip_originated_total",
			Help: "Total GOSSIP messages originated by this peer.",
		}),
		GossipForward: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_peer_gossip_forwarded_total",
			Help: "Total new (non-duplicate) GOSSIP messages received and flooded on to neighbors.",
		}),
		GossipDropDup: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_peer_gossip_dropped_duplicate_total",
			Help: "Total GOSSIP frames dropped as already-seen.",
		}),
		PingMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_peer_ping_misses_total",
			Help: "Total missed PING/PONG round trips.",
		}),
		SuspectEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_peer_suspect_transitions_total",
			Help: "Total neighbor transitions into SUSPECT.",
		}),
		DeadNodeEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_peer_dead_node_escalations_total",
			Help: "Total DEAD_NODE reports escalated to seeds.",
		}),
	}, reg
}

// Server serves a registry's collectors on /metrics.
type Server struct {
	httpSrv *http.Server
	ln      net.Listener
}

// Serve starts listening on addr and serving reg over HTTP in the
// background. Call Shutdown to stop it.
func Serve(addr string, reg *prometheus.Registry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s := &Server{httpSrv: &http.Server{Handler: mux}, ln: ln}
	go func() {
		_ = s.httpSrv.Serve(ln)
	}()
	return s, nil
}

// Addr returns the address the metrics server is bound to.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// MetricsAddr derives the metrics bind address from a node's listen port,
// per SPEC_FULL.md §B (listen_port + 1).
func MetricsAddr(bindIP string, listenPort int) string {
	return fmt.Sprintf("%s:%d", bindIP, listenPort+1)
}
