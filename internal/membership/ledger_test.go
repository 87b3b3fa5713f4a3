package membership

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/latticenet/overlay/internal/id"
)

func threeSeeds() []id.SeedID {
	return []id.SeedID{
		id.New("127.0.0.1", 5001),
		id.New("127.0.0.1", 5002),
		id.New("127.0.0.1", 5003),
	}
}

func TestRegister_NewProposalNeedsMajority(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)

	p := id.New("127.0.0.1", 6001)
	res := l.Register(p)
	assert.True(t, res.SelfVoted)
	assert.False(t, res.AlreadyLive)
	assert.False(t, res.Committed, "1 of 3 votes is not yet majority")
	assert.False(t, l.IsLive(p))

	// Second seed's vote reaches majority (2 of 3).
	assert.True(t, l.ReceiveVoteAdd(p, seeds[1]))
	assert.True(t, l.IsLive(p))
}

func TestRegister_AlreadyLiveIsNoop(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)
	p := id.New("127.0.0.1", 6001)

	l.Register(p)
	l.ReceiveVoteAdd(p, seeds[1])
	assert.True(t, l.IsLive(p))

	res := l.Register(p)
	assert.True(t, res.AlreadyLive)
	assert.False(t, res.SelfVoted)
}

func TestReceiveVoteAdd_DuplicateIsIdempotent(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)
	p := id.New("127.0.0.1", 6001)

	l.Register(p)
	assert.True(t, l.ReceiveVoteAdd(p, seeds[1]))
	// Already committed by the first call above (2/3): a duplicate vote
	// from the same seed must not re-trigger commit or panic.
	assert.False(t, l.ReceiveVoteAdd(p, seeds[1]))
	assert.True(t, l.IsLive(p))
}

func TestSingleSeedMajority(t *testing.T) {
	self := id.New("127.0.0.1", 5001)
	l := New(self, []id.SeedID{self}, nil, nil)

	p := id.New("127.0.0.1", 6001)
	res := l.Register(p)
	assert.True(t, res.Committed)
	assert.True(t, l.IsLive(p))
}

func TestOnCommitAddFires(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)

	var mu sync.Mutex
	var committed id.PeerID
	done := make(chan struct{})
	l.OnCommitAdd(func(p id.PeerID) {
		mu.Lock()
		committed = p
		mu.Unlock()
		close(done)
	})

	p := id.New("127.0.0.1", 6001)
	l.Register(p)
	l.ReceiveVoteAdd(p, seeds[1])
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, p, committed)
}

func TestRemove_MajorityOfReporters(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)

	p := id.New("127.0.0.1", 6001)
	l.Register(p)
	l.ReceiveVoteAdd(p, seeds[1])
	assert.True(t, l.IsLive(p))

	peerReporter := id.New("127.0.0.1", 6002)
	l.livePeers.Add(peerReporter)

	added, committed := l.ReceiveReport(p, peerReporter)
	assert.True(t, added)
	assert.False(t, committed, "1 of 3 majority not reached")
	assert.True(t, l.IsLive(p))

	added, committed = l.ReceiveReport(p, seeds[2])
	assert.True(t, added)
	assert.True(t, committed)
	assert.False(t, l.IsLive(p))

	// A duplicate reporter is not re-added.
	added, _ = l.ReceiveReport(p, seeds[2])
	assert.False(t, added)
}

func TestReceiveReport_RecordedBeforeOwnAddCommits(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)

	p := id.New("127.0.0.1", 6001)
	// No Register/ReceiveVoteAdd yet: p is not in livePeers on this seed.
	assert.False(t, l.IsLive(p))

	added, committed := l.ReceiveReport(p, seeds[1])
	assert.True(t, added, "a report racing ahead of p's own ADD commit must still be recorded")
	assert.False(t, committed)

	// Once the report majority is also reached, the pending record from
	// before ADD landed is what lets this second report commit REMOVE.
	added, committed = l.ReceiveReport(p, seeds[2])
	assert.True(t, added)
	assert.True(t, committed)
}

func TestReceiveCommitAdd_AppliesDirectly(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)
	p := id.New("127.0.0.1", 6001)

	l.ReceiveCommitAdd(p)
	assert.True(t, l.IsLive(p))
}

func TestLivePeersExcluding(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)

	a := id.New("127.0.0.1", 6001)
	b := id.New("127.0.0.1", 6002)
	l.ReceiveCommitAdd(a)
	l.ReceiveCommitAdd(b)

	got := l.LivePeersExcluding(a)
	assert.ElementsMatch(t, []id.PeerID{b}, got)
}

func TestIsAuthenticReporter(t *testing.T) {
	seeds := threeSeeds()
	l := New(seeds[0], seeds, nil, nil)
	assert.True(t, l.IsAuthenticReporter(seeds[1]))

	peer := id.New("127.0.0.1", 6001)
	assert.False(t, l.IsAuthenticReporter(peer))
	l.ReceiveCommitAdd(peer)
	assert.True(t, l.IsAuthenticReporter(peer))
}
