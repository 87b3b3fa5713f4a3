// Package liveness implements the per-neighbor liveness detector (C5):
// a ping loop with missed-ping counting, peer-local SUSPECT
// corroboration among a suspecting peer's other neighbors, and DEAD_NODE
// escalation to every seed once corroboration confirms a target is
// unreachable (spec.md §4.5).
package liveness

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/metrics"
	"github.com/latticenet/overlay/internal/topology"
	"github.com/latticenet/overlay/internal/transport"
	"github.com/latticenet/overlay/internal/wire"
)

// DefaultPingPeriod is T_ping, spec.md §4.5 ("13 seconds in the
// reference"). A missed PING's deadline is this same period — "missed-
// ping counting IS the timeout mechanism" (spec.md §5).
const DefaultPingPeriod = 13 * time.Second

// DefaultMaxMissed is the consecutive-miss threshold before SUSPECT,
// spec.md §4.5 ("after 3 consecutive misses").
const DefaultMaxMissed = 3

// DefaultCorroborationWindow bounds how long a suspecting peer waits for
// its other neighbors' confirmations (spec.md §8 scenario 5:
// "3 × T_ping + corroboration_window").
const DefaultCorroborationWindow = 3 * time.Second

// Config configures a Detector.
type Config struct {
	Self  id.PeerID
	Table *topology.Table
	Seeds []id.SeedID

	PingPeriod          time.Duration
	MaxMissed           int
	CorroborationWindow time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Peer

	// OnDead, if set, is invoked after a target is declared DEAD and
	// removed from the table and escalated to seeds.
	OnDead func(id.PeerID)
}

type pingWait struct {
	nonce string
	ch    chan struct{}
}

// Detector is the per-peer liveness state machine.
type Detector struct {
	cfg Config

	mu          sync.Mutex
	pending     map[id.PeerID]*pingWait
	corrWaiters map[id.PeerID]chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Detector, applying defaults for unset Config fields.
func New(cfg Config) *Detector {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = DefaultPingPeriod
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = DefaultMaxMissed
	}
	if cfg.CorroborationWindow <= 0 {
		cfg.CorroborationWindow = DefaultCorroborationWindow
	}
	return &Detector{
		cfg:         cfg,
		pending:     make(map[id.PeerID]*pingWait),
		corrWaiters: make(map[id.PeerID]chan struct{}),
		stop:        make(chan struct{}),
	}
}

// Stop halts every per-neighbor ping loop and waits for them to exit.
func (d *Detector) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// Watch starts a dedicated ping loop for peer. Call it once per neighbor,
// whenever bootstrap or inbound acceptance adds one to the table
// (spec.md §5: "neighbors is mutated by bootstrap, accept, and the
// liveness detector — three writers"). The loop exits on its own once the
// neighbor is no longer in the table.
func (d *Detector) Watch(peer id.PeerID) {
	d.wg.Add(1)
	go d.pingLoop(peer)
}

func (d *Detector) pingLoop(peer id.PeerID) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			n, ok := d.cfg.Table.Get(peer)
			if !ok {
				return
			}
			if n.Health() == topology.HealthSuspect {
				// Corroboration for this target is already in flight; don't
				// pile on more pings until it resolves.
				continue
			}
			d.pingOnce(n)
		}
	}
}

func (d *Detector) pingOnce(n *topology.Neighbor) {
	nonce := uuid.NewString()
	w := &pingWait{nonce: nonce, ch: make(chan struct{}, 1)}

	d.mu.Lock()
	d.pending[n.ID] = w
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, n.ID)
		d.mu.Unlock()
	}()

	if err := n.Send(wire.Ping{Nonce: nonce}); err != nil {
		d.onMiss(n)
		return
	}

	select {
	case <-w.ch:
		n.ResetMissedPings()
	case <-time.After(d.cfg.PingPeriod):
		d.onMiss(n)
	case <-d.stop:
	}
}

// HandlePong delivers an inbound PONG to the ping loop awaiting it. Stale
// or mismatched nonces are dropped silently (the ping already timed out
// and counted as a miss).
func (d *Detector) HandlePong(from id.PeerID, m wire.Pong) {
	d.mu.Lock()
	w, ok := d.pending[from]
	d.mu.Unlock()
	if !ok || w.nonce != m.Nonce {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (d *Detector) onMiss(n *topology.Neighbor) {
	missed := n.IncMissedPings()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.PingMisses.Inc()
	}
	if d.cfg.Logger != nil {
		d.cfg.Logger.Debug("PING missed", zap.Object("neighbor", n.ID), zap.Int("missed_pings", missed))
	}
	if missed >= d.cfg.MaxMissed {
		n.MarkSuspect()
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.SuspectEvents.Inc()
		}
		go d.corroborate(n.ID)
	}
}

// corroborate implements spec.md §4.5's local corroboration: query every
// other neighbor, and if a majority of them also find the target
// unreachable within the corroboration window, declare it DEAD.
// SPEC_FULL.md §C.4 generalizes the reference's hardcoded 2-of-N-or-1
// threshold to a plain majority of the suspecting peer's other
// neighbors.
func (d *Detector) corroborate(target id.PeerID) {
	others := d.cfg.Table.Snapshot()
	var query []*topology.Neighbor
	for _, o := range others {
		if o.ID != target {
			query = append(query, o)
		}
	}

	if len(query) == 0 {
		// No other neighbors to corroborate with: the direct observation of
		// MaxMissed consecutive misses stands on its own.
		d.declareDead(target)
		return
	}

	needed := id.Majority(len(query))
	replyCh := make(chan struct{}, len(query))

	d.mu.Lock()
	d.corrWaiters[target] = replyCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.corrWaiters, target)
		d.mu.Unlock()
	}()

	for _, o := range query {
		neighbor := o
		go func() {
			_ = neighbor.Send(wire.Suspect{Suspect: target, Reporter: d.cfg.Self, Confirm: false})
		}()
	}

	confirmations := 0
	timeout := time.After(d.cfg.CorroborationWindow)
	for confirmations < needed {
		select {
		case <-replyCh:
			confirmations++
		case <-timeout:
			goto done
		case <-d.stop:
			goto done
		}
	}
done:

	if confirmations >= needed {
		d.declareDead(target)
		return
	}

	if d.cfg.Logger != nil {
		d.cfg.Logger.Info("corroboration failed: returning to HEALTHY", zap.Object("target", target), zap.Int("confirmations", confirmations), zap.Int("needed", needed))
	}
	if n, ok := d.cfg.Table.Get(target); ok {
		n.ResetMissedPings()
	}
}

// HandleSuspect dispatches an inbound SUSPECT frame. m.Confirm is what
// decides the role, not whether we happen to also be corroborating the
// same target ourselves: a query (Confirm == false) always means "test
// this peer for me," and a confirmation (Confirm == true) always means
// "I tested it, it's dead" — acting only on m.Confirm keeps two peers
// that are concurrently (and independently) suspecting the same target
// from mistaking each other's queries for confirmations of their own
// suspicion, which would let them confirm each other without either one
// ever actually testing the target. The sender's identity always comes
// from m.Reporter (self-declared by the sender), never a socket's remote
// address — an outbound dial's remote-facing port is ephemeral and not
// the sender's listen port.
func (d *Detector) HandleSuspect(m wire.Suspect) {
	if !m.Confirm {
		go d.testPingAndMaybeConfirm(m.Suspect, m.Reporter)
		return
	}

	d.mu.Lock()
	ch, waiting := d.corrWaiters[m.Suspect]
	d.mu.Unlock()
	if !waiting {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// testPingAndMaybeConfirm is the "immediate test ping" of spec.md §4.5: a
// fresh short-lived PING/PONG round trip to target, independent of
// whether target is our own neighbor. Only a negative result (unreachable
// or mismatched nonce) is reported back to reporter.
func (d *Detector) testPingAndMaybeConfirm(target, reporter id.PeerID) {
	nonce := uuid.NewString()
	reply, err := transport.Request(target.String(), wire.Ping{Nonce: nonce}, d.cfg.CorroborationWindow)

	alive := false
	if err == nil {
		if pong, ok := reply.(wire.Pong); ok {
			alive = pong.Nonce == nonce
		}
	}
	if alive {
		return
	}

	confirm := wire.Suspect{Suspect: target, Reporter: d.cfg.Self, Confirm: true}
	if n, ok := d.cfg.Table.Get(reporter); ok {
		_ = n.Send(confirm)
		return
	}
	_ = transport.SendAndClose(reporter.String(), confirm)
}

// declareDead performs the DEAD transition of spec.md §4.5: close and
// remove the neighbor, then escalate to every seed.
func (d *Detector) declareDead(target id.PeerID) {
	n, ok := d.cfg.Table.Remove(target)
	if !ok {
		return
	}
	if n.Conn != nil {
		_ = n.Conn.Close()
	}

	if d.cfg.Logger != nil {
		d.cfg.Logger.Warn("DEAD transition", zap.Object("target", target))
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.DeadNodeEvents.Inc()
	}

	now := time.Now().Unix()
	var errs error
	for _, s := range d.cfg.Seeds {
		report := wire.DeadNode{Dead: target, Reporter: d.cfg.Self, Timestamp: now}
		if err := transport.SendAndClose(s.String(), report); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s, err))
		}
	}
	if errs != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Warn("DEAD_NODE escalation had failures", zap.Error(errs))
	}

	if d.cfg.OnDead != nil {
		d.cfg.OnDead(target)
	}
}
