// Package seednode implements the seed process runtime: it accepts
// inbound connections, decodes wire frames, and drives a
// internal/membership.Ledger, wiring the ledger's commit callbacks to the
// consensus broadcasts spec.md §4.2 requires. It plays the role
// scuttlebutt.Scuttlebutt plays for the gossip protocol: the exported
// glue between transport, protocol logic, and a background accept loop.
package seednode

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/membership"
	"github.com/latticenet/overlay/internal/metrics"
	"github.com/latticenet/overlay/internal/transport"
	"github.com/latticenet/overlay/internal/wire"
)

// Config configures a Seed.
type Config struct {
	// Self is this seed's own (ip, port).
	Self id.SeedID
	// Seeds is the full configured seed directory, including Self.
	Seeds []id.SeedID
	// BindAddr is the local address to listen on ("ip:port" or ":port").
	BindAddr string

	Logger  *zap.Logger
	Metrics *metrics.Seed
}

// Seed is a running seed process: an accept loop plus a membership
// ledger.
type Seed struct {
	cfg    Config
	ledger *membership.Ledger
	logger *zap.Logger
	m      *metrics.Seed

	ln net.Listener

	wg       sync.WaitGroup
	closing  chan struct{}
	closeErr sync.Once
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound (spec.md §8 scenario
// 1: "bind succeeds ... log shows LISTENING").
func Start(cfg Config) (*Seed, error) {
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("seednode: failed to bind %s: %w", cfg.BindAddr, err)
	}

	s := &Seed{
		cfg:     cfg,
		ledger:  membership.New(cfg.Self, cfg.Seeds, cfg.Logger, cfg.Metrics),
		logger:  cfg.Logger,
		m:       cfg.Metrics,
		ln:      ln,
		closing: make(chan struct{}),
	}
	s.ledger.OnCommitAdd(s.onCommitAdd)
	s.ledger.OnCommitRemove(s.onCommitRemove)

	s.logger.Info("LISTENING", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the bound listen address.
func (s *Seed) Addr() string {
	return s.ln.Addr().String()
}

// Ledger exposes the underlying membership ledger, for tests.
func (s *Seed) Ledger() *membership.Ledger {
	return s.ledger
}

// Shutdown closes the listener and waits for in-flight handlers to
// finish, per spec.md §5 ("a shutdown signal closes all listening sockets
// first, then drains and closes outbound").
func (s *Seed) Shutdown() error {
	var err error
	s.closeErr.Do(func() {
		close(s.closing)
		err = s.ln.Close()
	})
	s.wg.Wait()
	return err
}

func (s *Seed) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Seed) handleConn(conn net.Conn) {
	defer s.wg.Done()
	c := transport.Wrap(conn)
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(transport.DialTimeout))
	msg, err := c.ReadFrame()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("malformed frame: dropping", zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
			if s.m != nil {
				s.m.FramesDrop.Inc()
			}
		}
		return
	}

	s.dispatch(msg, c)
}

func (s *Seed) dispatch(msg wire.Message, c *transport.Conn) {
	switch m := msg.(type) {
	case wire.Register:
		s.handleRegister(m, c)
	case wire.ProposeAdd:
		s.handleProposeAdd(m)
	case wire.VoteAdd:
		s.handleVoteAdd(m)
	case wire.CommitAdd:
		s.handleCommitAdd(m)
	case wire.DeadNode:
		s.handleDeadNode(m)
	case wire.ProposeRemove:
		s.handleProposeRemove(m)
	case wire.VoteRemove:
		s.handleVoteRemove(m)
	case wire.CommitRemove:
		s.handleCommitRemove(m)
	default:
		s.logger.Warn("protocol invariant violation: unexpected frame kind at seed", zap.String("kind", string(msg.Kind())))
		if s.m != nil {
			s.m.FramesDrop.Inc()
		}
	}
}

func (s *Seed) handleRegister(m wire.Register, c *transport.Conn) {
	s.logger.Info("received REGISTER", zap.Object("peer", m.Peer))

	res := s.ledger.Register(m.Peer)
	if res.AlreadyLive {
		s.logger.Info("REGISTER for already-live peer: returning current PEER_LIST", zap.Object("peer", m.Peer))
		s.reply(c, wire.RegisterAck{Status: wire.StatusAlreadyRegistered})
		s.reply(c, wire.PeerList{Peers: s.ledger.LivePeersExcluding(m.Peer)})
		return
	}

	s.logger.Info("proposing ADD", zap.Object("peer", m.Peer))
	s.reply(c, wire.RegisterAck{Status: wire.StatusProposalStarted})

	s.broadcastToSeeds(wire.ProposeAdd{Peer: m.Peer, Proposer: s.cfg.Self})
}

func (s *Seed) reply(c *transport.Conn, m wire.Message) {
	if err := c.WriteFrame(m); err != nil {
		s.logger.Warn("failed to write reply", zap.Error(err), zap.String("kind", string(m.Kind())))
	}
}

func (s *Seed) handleProposeAdd(m wire.ProposeAdd) {
	s.logger.Debug("received PROPOSE_ADD", zap.Object("peer", m.Peer), zap.Object("proposer", m.Proposer))
	if !s.ledger.ShouldVoteAdd(m.Peer) {
		return
	}
	s.sendTo(m.Proposer, wire.VoteAdd{Peer: m.Peer, Voter: s.cfg.Self})
}

func (s *Seed) handleVoteAdd(m wire.VoteAdd) {
	s.ledger.ReceiveVoteAdd(m.Peer, m.Voter)
	if s.m != nil {
		s.m.VotesCast.Inc()
	}
}

func (s *Seed) handleCommitAdd(m wire.CommitAdd) {
	s.ledger.ReceiveCommitAdd(m.Peer)
}

// onCommitAdd is the ledger's OnCommitAdd callback: broadcast COMMIT_ADD
// to the other seeds and push the peer its PEER_LIST (spec.md §4.2:
// "commits P ... broadcasts COMMIT_ADD ... responds to P with PEER_LIST").
func (s *Seed) onCommitAdd(p id.PeerID) {
	s.broadcastToSeeds(wire.CommitAdd{Peer: p})
	s.sendTo(p, wire.PeerList{Peers: s.ledger.LivePeersExcluding(p)})
}

func (s *Seed) handleDeadNode(m wire.DeadNode) {
	s.logger.Info("received DEAD_NODE", zap.Object("dead", m.Dead), zap.Object("reporter", m.Reporter))
	if !s.ledger.IsAuthenticReporter(m.Reporter) {
		s.logger.Warn("protocol invariant violation: DEAD_NODE from unauthenticated reporter", zap.Object("reporter", m.Reporter))
		if s.m != nil {
			s.m.FramesDrop.Inc()
		}
		return
	}
	added, _ := s.ledger.ReceiveReport(m.Dead, m.Reporter)
	if added {
		s.broadcastToSeeds(wire.ProposeRemove{Peer: m.Dead, Proposer: s.cfg.Self})
	}
}

func (s *Seed) handleProposeRemove(m wire.ProposeRemove) {
	// The proposing seed is itself an authenticated reporter.
	added, _ := s.ledger.ReceiveReport(m.Peer, m.Proposer)
	if added {
		s.sendTo(m.Proposer, wire.VoteRemove{Peer: m.Peer, Voter: s.cfg.Self})
	}
}

func (s *Seed) handleVoteRemove(m wire.VoteRemove) {
	s.ledger.ReceiveReport(m.Peer, m.Voter)
}

func (s *Seed) handleCommitRemove(m wire.CommitRemove) {
	s.ledger.ReceiveCommitRemove(m.Peer)
}

// onCommitRemove is the ledger's OnCommitRemove callback: broadcast
// COMMIT_REMOVE to settle the other seeds once majority is reached.
func (s *Seed) onCommitRemove(dead id.PeerID) {
	s.broadcastToSeeds(wire.CommitRemove{Peer: dead})
}

// broadcastToSeeds fans m out to every other configured seed, collecting
// per-target errors with multierror rather than aborting the fan-out
// (spec.md §5/§7: best-effort, unreachable seeds are skipped).
func (s *Seed) broadcastToSeeds(m wire.Message) {
	others := s.ledger.OtherSeeds()
	var errs error
	for _, seed := range others {
		if err := transport.SendAndClose(seed.String(), m); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", seed, err))
		}
	}
	if errs != nil {
		s.logger.Warn("broadcast to seeds had failures", zap.Error(errs), zap.String("kind", string(m.Kind())))
	}
}

func (s *Seed) sendTo(target id.PeerID, m wire.Message) {
	if err := transport.SendAndClose(target.String(), m); err != nil {
		s.logger.Warn("send failed", zap.Error(err), zap.Object("target", target), zap.String("kind", string(m.Kind())))
	}
}
