// Package peernode implements the peer process runtime (C3+C4+C5 wired
// together): TCP accept loop, the bootstrap sequence of spec.md §4.3, and
// the per-neighbor persistent-connection reader loop that feeds inbound
// frames to the gossip engine and liveness detector. It plays the role
// internal/seednode plays for seeds: the exported glue between
// transport, protocol logic, and background goroutines.
package peernode

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/latticenet/overlay/internal/gossip"
	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/liveness"
	"github.com/latticenet/overlay/internal/metrics"
	"github.com/latticenet/overlay/internal/topology"
	"github.com/latticenet/overlay/internal/transport"
	"github.com/latticenet/overlay/internal/wire"
)

// DefaultBootstrapWait bounds how long phase 1 (seed contact) waits for
// asynchronous PEER_LIST delivery following a committed proposal, spec.md
// §8 scenario 2 ("within 2 s").
const DefaultBootstrapWait = 2 * time.Second

// Config configures a Peer.
type Config struct {
	Self  id.PeerID
	Seeds []id.SeedID

	// BindAddr is the local address to listen on ("ip:port" or ":port").
	BindAddr string

	BootstrapWait time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Peer
}

// Peer is a running peer process.
type Peer struct {
	cfg      Config
	logger   *zap.Logger
	m        *metrics.Peer
	table    *topology.Table
	gossip   *gossip.Engine
	liveness *liveness.Detector

	ln         net.Listener
	peerListCh chan []id.PeerID

	wg       sync.WaitGroup
	closing  chan struct{}
	closeErr sync.Once
}

// Start binds the listener, launches the accept loop and periodic
// timers, and begins the bootstrap sequence in the background. It
// returns once the listener is bound, without waiting for bootstrap to
// complete — callers that need a settled topology should poll Table().
func Start(cfg Config) (*Peer, error) {
	if cfg.BootstrapWait <= 0 {
		cfg.BootstrapWait = DefaultBootstrapWait
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("peernode: failed to bind %s: %w", cfg.BindAddr, err)
	}

	table := topology.NewTable(cfg.Self)
	p := &Peer{
		cfg:        cfg,
		logger:     cfg.Logger,
		m:          cfg.Metrics,
		table:      table,
		gossip:     gossip.New(gossip.Config{Self: cfg.Self, Table: table, Logger: cfg.Logger, Metrics: cfg.Metrics}),
		liveness:   liveness.New(liveness.Config{Self: cfg.Self, Table: table, Seeds: cfg.Seeds, Logger: cfg.Logger, Metrics: cfg.Metrics}),
		ln:         ln,
		peerListCh: make(chan []id.PeerID, 8),
		closing:    make(chan struct{}),
	}

	p.logger.Info("LISTENING", zap.String("addr", ln.Addr().String()))

	p.wg.Add(1)
	go p.acceptLoop()

	p.gossip.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.bootstrap()
	}()

	return p, nil
}

// Addr returns the bound listen address.
func (p *Peer) Addr() string { return p.ln.Addr().String() }

// Table exposes the neighbor table, for tests and metrics.
func (p *Peer) Table() *topology.Table { return p.table }

// Gossip exposes the gossip engine, for tests.
func (p *Peer) Gossip() *gossip.Engine { return p.gossip }

// Shutdown closes the listener, every neighbor connection, and the
// periodic timers, then waits for background goroutines to finish
// (spec.md §5: "a shutdown signal closes all listening sockets first,
// then drains and closes outbound").
func (p *Peer) Shutdown() error {
	var err error
	p.closeErr.Do(func() {
		close(p.closing)
		err = p.ln.Close()
		p.gossip.Stop()
		p.liveness.Stop()
		for _, n := range p.table.Snapshot() {
			if n.Conn != nil {
				_ = n.Conn.Close()
			}
		}
	})
	p.wg.Wait()
	return err
}

func (p *Peer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.closing:
				return
			default:
				p.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

// handleConn decides a freshly accepted connection's fate from its first
// frame: CONNECT upgrades it to a persistent neighbor connection with its
// own dedicated reader loop; every other kind is a one-shot
// request/reply or delivery, closed immediately after.
func (p *Peer) handleConn(raw net.Conn) {
	defer p.wg.Done()
	c := transport.Wrap(raw)

	_ = c.SetReadDeadline(time.Now().Add(transport.DialTimeout))
	msg, err := c.ReadFrame()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			p.logger.Warn("malformed frame: dropping", zap.Error(err), zap.String("remote", raw.RemoteAddr().String()))
		}
		c.Close()
		return
	}

	switch m := msg.(type) {
	case wire.Connect:
		p.handleInboundConnect(m, c)

	case wire.DegQuery:
		defer c.Close()
		_ = c.SetWriteDeadline(time.Now().Add(transport.DialTimeout))
		if err := c.WriteFrame(wire.DegReply{Degree: p.table.Degree()}); err != nil {
			p.logger.Warn("DEG_REPLY failed", zap.Error(err))
		}

	case wire.Ping:
		defer c.Close()
		_ = c.SetWriteDeadline(time.Now().Add(transport.DialTimeout))
		if err := c.WriteFrame(wire.Pong{Nonce: m.Nonce}); err != nil {
			p.logger.Warn("PONG failed", zap.Error(err))
		}

	case wire.PeerList:
		c.Close()
		select {
		case p.peerListCh <- m.Peers:
		default:
			p.logger.Warn("PEER_LIST dropped: bootstrap collector full")
		}

	case wire.Suspect:
		c.Close()
		p.liveness.HandleSuspect(m)

	default:
		c.Close()
		p.logger.Warn("protocol invariant violation: unexpected frame kind at peer listener", zap.String("kind", string(msg.Kind())))
	}
}

func (p *Peer) handleInboundConnect(m wire.Connect, c *transport.Conn) {
	_ = c.SetDeadline(time.Time{})

	n, ok := p.table.AddInbound(m.Peer, c)
	if !ok {
		p.logger.Debug("CONNECT from already-known neighbor: ignoring", zap.Object("peer", m.Peer))
		c.Close()
		return
	}

	p.logger.Info("neighbor attached (inbound)", zap.Object("peer", m.Peer))
	if p.m != nil {
		p.m.Neighbors.Set(float64(p.table.Degree()))
	}
	p.liveness.Watch(m.Peer)

	p.wg.Add(1)
	go p.neighborReadLoop(n)
}

// neighborReadLoop is the dedicated reader for one persistent neighbor
// connection, spec.md §9: "one reader thread or task per connection".
func (p *Peer) neighborReadLoop(n *topology.Neighbor) {
	defer p.wg.Done()
	for {
		msg, err := n.Conn.ReadFrame()
		if err != nil {
			p.logger.Debug("neighbor connection closed", zap.Object("peer", n.ID), zap.Error(err))
			if removed, ok := p.table.Remove(n.ID); ok && removed.Conn != nil {
				_ = removed.Conn.Close()
			}
			if p.m != nil {
				p.m.Neighbors.Set(float64(p.table.Degree()))
			}
			return
		}
		p.dispatchNeighborFrame(n, msg)
	}
}

func (p *Peer) dispatchNeighborFrame(n *topology.Neighbor, msg wire.Message) {
	switch m := msg.(type) {
	case wire.Gossip:
		p.gossip.HandleGossip(n.ID, m)
	case wire.Ping:
		if err := n.Send(wire.Pong{Nonce: m.Nonce}); err != nil {
			p.logger.Warn("PONG send failed", zap.Error(err), zap.Object("peer", n.ID))
		}
	case wire.Pong:
		p.liveness.HandlePong(n.ID, m)
	case wire.Suspect:
		p.liveness.HandleSuspect(m)
	case wire.DegQuery:
		if err := n.Send(wire.DegReply{Degree: p.table.Degree()}); err != nil {
			p.logger.Warn("DEG_REPLY send failed", zap.Error(err), zap.Object("peer", n.ID))
		}
	default:
		p.logger.Warn("protocol invariant violation: unexpected frame kind on neighbor connection",
			zap.String("kind", string(msg.Kind())), zap.Object("peer", n.ID))
	}
}
