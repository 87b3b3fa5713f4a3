package seednode

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/transport"
	"github.com/latticenet/overlay/internal/wire"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startSeeds(t *testing.T, n int) []*Seed {
	t.Helper()
	logger := zap.NewNop()

	seedIDs := make([]id.SeedID, n)
	ports := make([]int, n)
	for i := 0; i < n; i++ {
		ports[i] = freePort(t)
		seedIDs[i] = id.New("127.0.0.1", ports[i])
	}

	seeds := make([]*Seed, n)
	for i := 0; i < n; i++ {
		s, err := Start(Config{
			Self:     seedIDs[i],
			Seeds:    seedIDs,
			BindAddr: seedIDs[i].String(),
			Logger:   logger,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Shutdown() })
		seeds[i] = s
	}
	return seeds
}

func TestSingleSeedStartup(t *testing.T) {
	seeds := startSeeds(t, 1)
	assert.Empty(t, seeds[0].Ledger().LivePeersExcluding(id.PeerID{}))
}

func TestThreeSeedRegistrationConsensus(t *testing.T) {
	seeds := startSeeds(t, 3)

	peer := id.New("127.0.0.1", 16001)
	reply, err := transport.Request(seeds[0].Addr(), wire.Register{Peer: peer}, time.Second)
	require.NoError(t, err)
	ack, ok := reply.(wire.RegisterAck)
	require.True(t, ok)
	assert.Equal(t, wire.StatusProposalStarted, ack.Status)

	require.Eventually(t, func() bool {
		live := 0
		for _, s := range seeds {
			if s.Ledger().IsLive(peer) {
				live++
			}
		}
		return live >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterAlreadyLiveReturnsCurrentPeerList(t *testing.T) {
	seeds := startSeeds(t, 3)
	peer := id.New("127.0.0.1", 16002)

	_, err := transport.Request(seeds[0].Addr(), wire.Register{Peer: peer}, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return seeds[0].Ledger().IsLive(peer)
	}, 2*time.Second, 10*time.Millisecond)

	c, err := transport.Dial(seeds[0].Addr())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.WriteFrame(wire.Register{Peer: peer}))

	first, err := c.ReadFrame()
	require.NoError(t, err)
	ack, ok := first.(wire.RegisterAck)
	require.True(t, ok)
	assert.Equal(t, wire.StatusAlreadyRegistered, ack.Status)

	second, err := c.ReadFrame()
	require.NoError(t, err)
	_, ok = second.(wire.PeerList)
	assert.True(t, ok)
}

func TestDeadNodeEscalationRemovesFromLedger(t *testing.T) {
	seeds := startSeeds(t, 3)
	peer := id.New("127.0.0.1", 16003)

	_, err := transport.Request(seeds[0].Addr(), wire.Register{Peer: peer}, time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		live := 0
		for _, s := range seeds {
			if s.Ledger().IsLive(peer) {
				live++
			}
		}
		return live >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Make the peer an authenticated reporter of another dead peer by
	// also registering the reporter, then have it and a seed both report
	// the target dead.
	reporter := id.New("127.0.0.1", 16004)
	_, err = transport.Request(seeds[0].Addr(), wire.Register{Peer: reporter}, time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		live := 0
		for _, s := range seeds {
			if s.Ledger().IsLive(reporter) {
				live++
			}
		}
		return live >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, transport.SendAndClose(seeds[0].Addr(), wire.DeadNode{
		Dead: peer, Reporter: reporter, Timestamp: 1,
	}))
	require.NoError(t, transport.SendAndClose(seeds[1].Addr(), wire.DeadNode{
		Dead: peer, Reporter: seeds[2].cfg.Self, Timestamp: 1,
	}))

	require.Eventually(t, func() bool {
		dead := 0
		for _, s := range seeds {
			if !s.Ledger().IsLive(peer) {
				dead++
			}
		}
		return dead >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
