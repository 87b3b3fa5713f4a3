package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/latticenet/overlay/internal/id"
)

func TestTryReserveOutbound_RespectsCap(t *testing.T) {
	self := id.New("127.0.0.1", 9000)
	tbl := NewTable(self)

	for i := 0; i < OutboundCap; i++ {
		c := id.New("127.0.0.1", 9100+i)
		assert.True(t, tbl.TryReserveOutbound(c))
		tbl.AddOutbound(c, nil, 0)
	}

	overflow := id.New("127.0.0.1", 9200)
	assert.False(t, tbl.TryReserveOutbound(overflow))
	assert.Equal(t, OutboundCap, tbl.OutboundCount())
}

func TestTryReserveOutbound_RejectsSelfAndDuplicates(t *testing.T) {
	self := id.New("127.0.0.1", 9000)
	tbl := NewTable(self)

	assert.False(t, tbl.TryReserveOutbound(self))

	c := id.New("127.0.0.1", 9100)
	assert.True(t, tbl.TryReserveOutbound(c))
	// Already pending: a second concurrent bootstrap attempt must not
	// double-reserve the same candidate.
	assert.False(t, tbl.TryReserveOutbound(c))

	tbl.AddOutbound(c, nil, 0)
	assert.False(t, tbl.TryReserveOutbound(c))
}

func TestReleasePending_AllowsRetry(t *testing.T) {
	self := id.New("127.0.0.1", 9000)
	tbl := NewTable(self)
	c := id.New("127.0.0.1", 9100)

	assert.True(t, tbl.TryReserveOutbound(c))
	tbl.ReleasePending(c)
	assert.True(t, tbl.TryReserveOutbound(c))
}

func TestAddInbound_UncappedAndIdempotent(t *testing.T) {
	self := id.New("127.0.0.1", 9000)
	tbl := NewTable(self)

	for i := 0; i < OutboundCap+5; i++ {
		c := id.New("127.0.0.1", 9300+i)
		_, ok := tbl.AddInbound(c, nil)
		assert.True(t, ok)
	}
	assert.Equal(t, OutboundCap+5, tbl.Degree())
	assert.Equal(t, 0, tbl.OutboundCount())

	dup := id.New("127.0.0.1", 9300)
	_, ok := tbl.AddInbound(dup, nil)
	assert.False(t, ok)
}

func TestRemove_DecrementsOutboundCount(t *testing.T) {
	self := id.New("127.0.0.1", 9000)
	tbl := NewTable(self)
	c := id.New("127.0.0.1", 9100)

	tbl.TryReserveOutbound(c)
	tbl.AddOutbound(c, nil, 0)
	assert.Equal(t, 1, tbl.OutboundCount())

	n, ok := tbl.Remove(c)
	assert.True(t, ok)
	assert.Equal(t, c, n.ID)
	assert.Equal(t, 0, tbl.OutboundCount())

	_, ok = tbl.Get(c)
	assert.False(t, ok)
}

func TestNeighbor_MissedPingsAndSuspect(t *testing.T) {
	n := &Neighbor{ID: id.New("127.0.0.1", 9100)}
	assert.Equal(t, HealthOpen, n.Health())

	assert.Equal(t, 1, n.IncMissedPings())
	assert.Equal(t, 2, n.IncMissedPings())
	assert.Equal(t, 3, n.IncMissedPings())

	n.MarkSuspect()
	assert.Equal(t, HealthSuspect, n.Health())

	n.ResetMissedPings()
	assert.Equal(t, HealthOpen, n.Health())
	assert.Equal(t, 0, n.MissedPings())
}
