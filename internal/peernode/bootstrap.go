package peernode

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/topology"
	"github.com/latticenet/overlay/internal/transport"
	"github.com/latticenet/overlay/internal/wire"
)

// bootstrap runs the ordered phases of spec.md §4.3: contact seeds,
// union their PEER_LISTs, probe degree of each candidate, draw up to the
// attachment cap by preferential attachment, and connect.
func (p *Peer) bootstrap() {
	candidates := p.registerWithSeeds()
	probed := p.probeDegrees(candidates)

	drawn := topology.WeightedSample(probed, topology.OutboundCap)
	p.logger.Info("bootstrap: attaching", zap.Int("candidates", len(probed)), zap.Int("drawn", len(drawn)))

	for _, c := range drawn {
		p.connectOutbound(c)
	}
}

// registerWithSeeds implements phase 1: contact at least
// floor(n_seeds/2)+1 seeds, collect each returned PEER_LIST, and union
// them. A REGISTER for an already-live peer (ours, on retry) returns its
// PEER_LIST on the same connection (SPEC_FULL.md §C.1); a brand-new
// registration's PEER_LIST instead arrives later over an unprompted
// inbound connection once consensus commits, so this also drains
// peerListCh for a bounded window to pick those up.
func (p *Peer) registerWithSeeds() []id.PeerID {
	if len(p.cfg.Seeds) == 0 {
		return nil
	}
	majority := id.Majority(len(p.cfg.Seeds))

	var union id.Set
	for attempt := 0; ; attempt++ {
		union = id.Set{}
		contacted := 0
		for _, s := range shuffledSeeds(p.cfg.Seeds) {
			if contacted >= majority {
				break
			}
			peers, alreadyLive, err := p.register(s)
			if err != nil {
				p.logger.Warn("REGISTER failed", zap.Object("seed", s), zap.Error(err))
				continue
			}
			contacted++
			if alreadyLive {
				for _, pe := range peers {
					union.Add(pe)
				}
			}
		}

		if contacted > 0 {
			break
		}

		wait := fullJitterBackoff(attempt)
		p.logger.Warn("bootstrap: no seed reachable, backing off",
			zap.Int("configured", len(p.cfg.Seeds)), zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-p.closing:
			return nil
		}
	}

	deadline := time.After(p.cfg.BootstrapWait)
	for {
		select {
		case peers := <-p.peerListCh:
			for _, pe := range peers {
				union.Add(pe)
			}
		case <-deadline:
			return union.Slice()
		case <-p.closing:
			return union.Slice()
		}
	}
}

// register sends REGISTER to seed and reads its immediate reply.
func (p *Peer) register(seed id.SeedID) (peers []id.PeerID, alreadyLive bool, err error) {
	c, err := transport.Dial(seed.String())
	if err != nil {
		return nil, false, err
	}
	defer c.Close()

	if err := c.SetDeadline(time.Now().Add(transport.DialTimeout)); err != nil {
		return nil, false, err
	}
	if err := c.WriteFrame(wire.Register{Peer: p.cfg.Self}); err != nil {
		return nil, false, err
	}

	ackMsg, err := c.ReadFrame()
	if err != nil {
		return nil, false, err
	}
	ack, ok := ackMsg.(wire.RegisterAck)
	if !ok {
		return nil, false, fmt.Errorf("peernode: unexpected reply to REGISTER: %s", ackMsg.Kind())
	}
	if ack.Status != wire.StatusAlreadyRegistered {
		return nil, false, nil
	}

	listMsg, err := c.ReadFrame()
	if err != nil {
		return nil, false, err
	}
	list, ok := listMsg.(wire.PeerList)
	if !ok {
		return nil, false, fmt.Errorf("peernode: expected PEER_LIST after ALREADY_REGISTERED, got %s", listMsg.Kind())
	}
	return list.Peers, true, nil
}

// probeDegrees implements phase 2: open a short-lived connection to each
// candidate, query its degree, and exclude candidates that fail to
// respond (spec.md §4.3: "connection failures mark C as unreachable").
func (p *Peer) probeDegrees(candidates []id.PeerID) []topology.Candidate {
	out := make([]topology.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c == p.cfg.Self {
			continue
		}
		reply, err := transport.Request(c.String(), wire.DegQuery{}, transport.DialTimeout)
		if err != nil {
			p.logger.Debug("DEG_QUERY failed: excluding candidate", zap.Object("candidate", c), zap.Error(err))
			continue
		}
		degree := 0
		if dr, ok := reply.(wire.DegReply); ok {
			degree = dr.Degree
		}
		out = append(out, topology.Candidate{Peer: c, Degree: degree})
	}
	return out
}

// connectOutbound implements phase 3's connection step for one drawn
// candidate: reserve the outbound slot, dial, send CONNECT, and promote
// the connection to a persistent neighbor with its own reader loop.
func (p *Peer) connectOutbound(candidate id.PeerID) {
	if !p.table.TryReserveOutbound(candidate) {
		return
	}

	conn, err := transport.Dial(candidate.String())
	if err != nil {
		p.table.ReleasePending(candidate)
		p.logger.Warn("CONNECT dial failed", zap.Object("candidate", candidate), zap.Error(err))
		return
	}

	if err := conn.SetWriteDeadline(time.Now().Add(transport.DialTimeout)); err != nil {
		conn.Close()
		p.table.ReleasePending(candidate)
		return
	}
	if err := conn.WriteFrame(wire.Connect{Peer: p.cfg.Self}); err != nil {
		conn.Close()
		p.table.ReleasePending(candidate)
		p.logger.Warn("CONNECT send failed", zap.Object("candidate", candidate), zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	n := p.table.AddOutbound(candidate, conn, 0)
	p.logger.Info("neighbor attached (outbound)", zap.Object("peer", candidate))
	if p.m != nil {
		p.m.Neighbors.Set(float64(p.table.Degree()))
	}
	p.liveness.Watch(candidate)

	p.wg.Add(1)
	go p.neighborReadLoop(n)
}
