// Package membership implements the seed-side membership ledger (C2):
// the authoritative live_peers set and the propose/vote/commit consensus
// state for pending ADD and REMOVE proposals (spec.md §3, §4.2).
//
// Ledger is data-only, like the teacher's internal peer map: it does no
// network I/O itself. Callers (internal/seednode) drive it from decoded
// wire frames and use its OnCommitAdd/OnCommitRemove hooks to trigger the
// broadcasts spec.md's consensus protocol requires. Notification callbacks
// are invoked without holding the lock, mirroring peermap.go's
// unlock-before-notify discipline to avoid re-entrant deadlocks.
package membership

import (
	"sync"

	"go.uber.org/zap"

	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/metrics"
)

// Ledger is the per-seed authoritative membership state of spec.md §3.
type Ledger struct {
	mu sync.Mutex

	self  id.SeedID
	seeds id.Set // full configured seed directory, including self

	livePeers id.Set

	// pendingAdd[p] is the set of distinct seeds that have voted ADD for p.
	pendingAdd map[id.PeerID]id.Set
	// addCommitted guards against re-committing / re-broadcasting an
	// already-decided ADD proposal (duplicate VOTE_ADD is idempotent).
	addCommitted id.Set

	// pendingRemove[p] is the set of distinct authenticated reporters
	// (seed or live peer) that have reported p dead.
	pendingRemove map[id.PeerID]id.Set
	removeCommitted id.Set

	onCommitAdd    func(id.PeerID)
	onCommitRemove func(id.PeerID)

	logger *zap.Logger
	m      *metrics.Seed
}

// New builds an empty Ledger. Restart of a seed always starts from empty
// live_peers per spec.md §4.2 "Failure semantics" — there is no
// constructor path that seeds it from disk.
func New(self id.SeedID, seedDirectory []id.SeedID, logger *zap.Logger, m *metrics.Seed) *Ledger {
	return &Ledger{
		self:            self,
		seeds:           id.NewSet(seedDirectory...),
		livePeers:       id.Set{},
		pendingAdd:      make(map[id.PeerID]id.Set),
		addCommitted:    id.Set{},
		pendingRemove:   make(map[id.PeerID]id.Set),
		removeCommitted: id.Set{},
		logger:          logger,
		m:               m,
	}
}

// OnCommitAdd registers the callback invoked exactly once when a peer is
// committed to live_peers.
func (l *Ledger) OnCommitAdd(cb func(id.PeerID)) { l.onCommitAdd = cb }

// OnCommitRemove registers the callback invoked exactly once when a peer
// is committed out of live_peers.
func (l *Ledger) OnCommitRemove(cb func(id.PeerID)) { l.onCommitRemove = cb }

func (l *Ledger) majority() int {
	return id.Majority(len(l.seeds))
}

// IsLive reports whether p is currently in live_peers.
func (l *Ledger) IsLive(p id.PeerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.livePeers.Contains(p)
}

// LivePeersExcluding returns a snapshot of live_peers, excluding except.
// Used to build the PEER_LIST reply to a REGISTER (spec.md §4.2: "the
// union of live_peers ... minus P itself").
func (l *Ledger) LivePeersExcluding(except id.PeerID) []id.PeerID {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]id.PeerID, 0, len(l.livePeers))
	for p := range l.livePeers {
		if p != except {
			out = append(out, p)
		}
	}
	return out
}

// IsAuthenticReporter reports whether p is eligible to be counted as a
// DEAD_NODE reporter: a configured seed, or a currently live peer
// (spec.md §4.2 REMOVE protocol: "distinct authenticated reporters that
// are themselves live peers OR seeds").
func (l *Ledger) IsAuthenticReporter(p id.PeerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seeds.Contains(p) || l.livePeers.Contains(p)
}

// RegisterResult reports what a seed should do in response to a REGISTER.
type RegisterResult struct {
	// AlreadyLive is true if p was already a committed member; the caller
	// should reply REGISTER_ACK(ALREADY_REGISTERED) + the current
	// PEER_LIST without starting a new proposal (SPEC_FULL.md §C.1).
	AlreadyLive bool
	// SelfVoted is true if this call recorded this seed's own ADD vote and
	// the caller should broadcast PROPOSE_ADD to the other seeds.
	SelfVoted bool
	// Committed is true if recording this seed's own vote was itself
	// enough to reach majority (e.g. a single-seed deployment).
	Committed bool
}

// Register handles an inbound REGISTER for peer p: spec.md §4.2's ADD
// protocol entry point. A REGISTER for an already-live peer is a no-op
// that doesn't trigger a new proposal.
func (l *Ledger) Register(p id.PeerID) RegisterResult {
	l.mu.Lock()

	if l.livePeers.Contains(p) {
		l.mu.Unlock()
		return RegisterResult{AlreadyLive: true}
	}

	if l.addCommitted.Contains(p) {
		// Committed via another path (e.g. a concurrent COMMIT_ADD) between
		// the contains check above and here; treat as already-live.
		l.mu.Unlock()
		return RegisterResult{AlreadyLive: true}
	}

	voters, ok := l.pendingAdd[p]
	if !ok {
		voters = id.Set{}
		l.pendingAdd[p] = voters
	}
	voters.Add(l.self)

	committed := l.maybeCommitAddLocked(p)
	l.mu.Unlock()

	return RegisterResult{SelfVoted: true, Committed: committed}
}

// ReceiveVoteAdd records a VOTE_ADD from voter for peer p (spec.md §4.2).
// Duplicate votes from the same seed are idempotent (id.Set semantics).
// Returns true if this vote just reached commit majority.
func (l *Ledger) ReceiveVoteAdd(p id.PeerID, voter id.SeedID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.addCommitted.Contains(p) || l.livePeers.Contains(p) {
		return false
	}

	voters, ok := l.pendingAdd[p]
	if !ok {
		voters = id.Set{}
		l.pendingAdd[p] = voters
	}
	voters.Add(voter)

	return l.maybeCommitAddLocked(p)
}

// maybeCommitAddLocked commits p if its pending vote set has reached
// majority. Must be called with l.mu held. Runs onCommitAdd on a new
// goroutine, so the callback never executes while l.mu is held by this
// call.
func (l *Ledger) maybeCommitAddLocked(p id.PeerID) bool {
	if l.addCommitted.Contains(p) {
		return false
	}
	if l.pendingAdd[p].Len() < l.majority() {
		return false
	}

	l.livePeers.Add(p)
	l.addCommitted.Add(p)
	delete(l.pendingAdd, p)

	if l.m != nil {
		l.m.Commits.Inc()
		l.m.LivePeers.Set(float64(l.livePeers.Len()))
	}
	if l.logger != nil {
		l.logger.Info("consensus reached: ADD committed", zap.Object("peer", p))
	}

	if l.onCommitAdd != nil {
		cb := l.onCommitAdd
		go cb(p)
	}
	return true
}

// ReceiveCommitAdd applies a COMMIT_ADD broadcast from the committing
// seed directly, for seeds that didn't independently reach majority
// (e.g. they were unreachable during voting but are reachable now).
func (l *Ledger) ReceiveCommitAdd(p id.PeerID) {
	l.mu.Lock()
	if l.addCommitted.Contains(p) {
		l.mu.Unlock()
		return
	}
	l.livePeers.Add(p)
	l.addCommitted.Add(p)
	delete(l.pendingAdd, p)
	if l.m != nil {
		l.m.LivePeers.Set(float64(l.livePeers.Len()))
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Info("applied remote COMMIT_ADD", zap.Object("peer", p))
	}
}

// ReceiveReport records dead as reported by reporter (spec.md §4.2 REMOVE
// protocol), whether that arrived as a DEAD_NODE from a peer, a
// PROPOSE_REMOVE from another seed, or a VOTE_REMOVE from another seed
// (SPEC_FULL.md §C.2 unifies all three into "record this reporter, check
// majority-of-reporters"). added reports whether reporter was newly
// recorded (the caller uses this to decide whether to replicate the
// report on to the other seeds); committed reports whether this report
// just reached commit majority. The caller is responsible for checking
// IsAuthenticReporter before calling this.
func (l *Ledger) ReceiveReport(dead id.PeerID, reporter id.PeerID) (added bool, committed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.removeCommitted.Contains(dead) {
		return false, false
	}

	// Record the reporter even if dead's own ADD commit hasn't landed on
	// this seed yet: seed.py's proposals[prop_key] accumulates reporters
	// unconditionally, independent of PL membership, so a DEAD_NODE/
	// PROPOSE_REMOVE/VOTE_REMOVE that arrives just ahead of the ADD commit
	// it races with isn't dropped on the floor.
	reporters, ok := l.pendingRemove[dead]
	if !ok {
		reporters = id.Set{}
		l.pendingRemove[dead] = reporters
	}
	if reporters.Contains(reporter) {
		return false, false
	}
	reporters.Add(reporter)
	added = true

	if reporters.Len() < l.majority() {
		return added, false
	}

	l.livePeers.Remove(dead)
	l.removeCommitted.Add(dead)
	delete(l.pendingRemove, dead)

	if l.m != nil {
		l.m.Removals.Inc()
		l.m.LivePeers.Set(float64(l.livePeers.Len()))
	}
	if l.logger != nil {
		l.logger.Info("consensus reached: REMOVE committed", zap.Object("peer", dead))
	}

	if l.onCommitRemove != nil {
		cb := l.onCommitRemove
		go cb(dead)
	}
	return added, true
}

// ReceiveCommitRemove applies a COMMIT_REMOVE broadcast directly.
func (l *Ledger) ReceiveCommitRemove(dead id.PeerID) {
	l.mu.Lock()
	if l.removeCommitted.Contains(dead) {
		l.mu.Unlock()
		return
	}
	l.livePeers.Remove(dead)
	l.removeCommitted.Add(dead)
	delete(l.pendingRemove, dead)
	if l.m != nil {
		l.m.LivePeers.Set(float64(l.livePeers.Len()))
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Info("applied remote COMMIT_REMOVE", zap.Object("peer", dead))
	}
}

// ShouldVoteAdd reports whether this seed would vote ADD for p: it hasn't
// already committed p live (spec.md §4.2: "replies VOTE_ADD ... if P is
// not already in live_peers").
func (l *Ledger) ShouldVoteAdd(p id.PeerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.livePeers.Contains(p)
}

// OtherSeeds returns every configured seed except self, for broadcast
// fan-out.
func (l *Ledger) OtherSeeds() []id.SeedID {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]id.SeedID, 0, len(l.seeds))
	for s := range l.seeds {
		if s != l.self {
			out = append(out, s)
		}
	}
	return out
}
