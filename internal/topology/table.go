// Package topology implements the peer neighbor table and the bootstrap
// preferential-attachment algorithm (C3, spec.md §3, §4.3). Like
// internal/membership on the seed side, Table is data-only: it owns the
// neighbor map and the outbound attachment cap invariant, but leaves
// dialing, accepting, and frame dispatch to internal/peernode.
package topology

import (
	"fmt"
	"sync"

	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/transport"
	"github.com/latticenet/overlay/internal/wire"
)

// Health is the liveness state of a neighbor connection, spec.md §3's
// "OPEN or flagged SUSPECT". DEAD is not a Health value: a DEAD neighbor
// is removed from the table atomically (spec.md §3 invariant), not
// tracked in it.
type Health int

const (
	HealthOpen Health = iota
	HealthSuspect
)

func (h Health) String() string {
	if h == HealthSuspect {
		return "SUSPECT"
	}
	return "OPEN"
}

// OutboundCap is the attachment cap c = 3 of spec.md §3/§4.3, applied to
// outbound-initiated neighbors only.
const OutboundCap = 3

// Neighbor is one entry of the peer neighbor table.
type Neighbor struct {
	ID       id.PeerID
	Conn     *transport.Conn
	Outbound bool

	mu          sync.Mutex
	degreeHint  int
	health      Health
	missedPings int
}

// Send writes a frame to this neighbor's open connection, serializing
// concurrent writers (the ping loop and the gossip forwarder may both
// write to the same neighbor at once).
func (n *Neighbor) Send(m wire.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Conn.WriteFrame(m)
}

func (n *Neighbor) DegreeHint() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.degreeHint
}

func (n *Neighbor) SetDegreeHint(d int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.degreeHint = d
}

func (n *Neighbor) Health() Health {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.health
}

func (n *Neighbor) MissedPings() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.missedPings
}

// IncMissedPings increments the miss counter and returns the new value.
func (n *Neighbor) IncMissedPings() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missedPings++
	return n.missedPings
}

// ResetMissedPings clears the miss counter and returns health to OPEN,
// spec.md §4.5: "If corroboration fails, the state returns to HEALTHY and
// missed_pings is reset."
func (n *Neighbor) ResetMissedPings() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missedPings = 0
	n.health = HealthOpen
}

// MarkSuspect transitions the neighbor to SUSPECT.
func (n *Neighbor) MarkSuspect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health = HealthSuspect
}

// Table is the per-peer neighbor table of spec.md §3.
type Table struct {
	mu sync.RWMutex

	self      id.PeerID
	neighbors map[id.PeerID]*Neighbor
	pending   id.Set // pending_neighbors: candidates currently being dialed

	outboundCount int
}

// NewTable builds an empty neighbor table for self.
func NewTable(self id.PeerID) *Table {
	return &Table{
		self:      self,
		neighbors: make(map[id.PeerID]*Neighbor),
		pending:   id.Set{},
	}
}

// TryReserveOutbound marks candidate as pending outbound connection,
// atomically checking the c=3 outbound cap (spec.md §3 invariant:
// "|neighbors| <= c" for outbound). Returns false if the cap is already
// reached, the candidate is already a neighbor, or already pending.
func (t *Table) TryReserveOutbound(candidate id.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if candidate == t.self {
		return false
	}
	if _, ok := t.neighbors[candidate]; ok {
		return false
	}
	if t.pending.Contains(candidate) {
		return false
	}
	if t.outboundCount >= OutboundCap {
		return false
	}
	t.pending.Add(candidate)
	return true
}

// ReleasePending removes candidate from pending_neighbors, called on
// dial/handshake failure (spec.md §3: "removed on success or failure").
func (t *Table) ReleasePending(candidate id.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending.Remove(candidate)
}

// AddOutbound commits a successfully connected outbound neighbor,
// consuming its pending reservation.
func (t *Table) AddOutbound(peer id.PeerID, conn *transport.Conn, degreeHint int) *Neighbor {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending.Remove(peer)
	n := &Neighbor{ID: peer, Conn: conn, Outbound: true, degreeHint: degreeHint}
	t.neighbors[peer] = n
	t.outboundCount++
	return n
}

// AddInbound adds a neighbor that connected to us (spec.md §4.3 phase 4:
// "the cap c applies to outbound selections only"). Always succeeds
// unless peer is already a neighbor, in which case the existing entry's
// connection is left untouched and ok is false.
func (t *Table) AddInbound(peer id.PeerID, conn *transport.Conn) (n *Neighbor, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, has := t.neighbors[peer]; has {
		return existing, false
	}
	n = &Neighbor{ID: peer, Conn: conn, Outbound: false}
	t.neighbors[peer] = n
	return n, true
}

// Get looks up a neighbor by ID.
func (t *Table) Get(peer id.PeerID) (*Neighbor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.neighbors[peer]
	return n, ok
}

// Remove removes and returns a neighbor, decrementing the outbound
// counter if it was outbound-established. The caller is responsible for
// closing the connection (spec.md §3: "closed and removed atomically
// with an escalation event").
func (t *Table) Remove(peer id.PeerID) (*Neighbor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.neighbors[peer]
	if !ok {
		return nil, false
	}
	delete(t.neighbors, peer)
	if n.Outbound {
		t.outboundCount--
	}
	return n, true
}

// Snapshot returns a copy of the current neighbors, safe to range over
// without holding the table lock (mirrors peermap.go's Peers() pattern).
func (t *Table) Snapshot() []*Neighbor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Neighbor, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		out = append(out, n)
	}
	return out
}

// Degree is the peer's total current degree (inbound + outbound), used to
// answer DEG_REPLY.
func (t *Table) Degree() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.neighbors)
}

// OutboundCount returns the number of outbound-established neighbors.
func (t *Table) OutboundCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.outboundCount
}

// SendExcept fans m out to every neighbor except excluded, best-effort:
// a failed send to one neighbor does not stop the others (spec.md §4.4
// forwarding rule). Returns one error per failed send, each prefixed with
// the neighbor's address.
func (t *Table) SendExcept(m wire.Message, excluded id.PeerID) []error {
	var errs []error
	for _, n := range t.Snapshot() {
		if n.ID == excluded {
			continue
		}
		if err := n.Send(m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.ID, err))
		}
	}
	return errs
}
