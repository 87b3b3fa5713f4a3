package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticenet/overlay/internal/id"
)

func TestWeightedSample_DrawsDistinctUpToK(t *testing.T) {
	cands := []Candidate{
		{Peer: id.New("127.0.0.1", 9001), Degree: 5},
		{Peer: id.New("127.0.0.1", 9002), Degree: 0},
		{Peer: id.New("127.0.0.1", 9003), Degree: 2},
		{Peer: id.New("127.0.0.1", 9004), Degree: 1},
	}

	drawn := WeightedSample(cands, 3)
	assert.Len(t, drawn, 3)

	seen := make(map[id.PeerID]bool)
	for _, p := range drawn {
		assert.False(t, seen[p], "duplicate draw")
		seen[p] = true
	}
}

func TestWeightedSample_KExceedsPoolClamps(t *testing.T) {
	cands := []Candidate{
		{Peer: id.New("127.0.0.1", 9001), Degree: 1},
		{Peer: id.New("127.0.0.1", 9002), Degree: 1},
	}
	drawn := WeightedSample(cands, 10)
	assert.Len(t, drawn, 2)
}

func TestWeightedSample_EmptyPool(t *testing.T) {
	assert.Nil(t, WeightedSample(nil, 3))
	assert.Nil(t, WeightedSample([]Candidate{{Peer: id.New("127.0.0.1", 1)}}, 0))
}

func TestWeightedSample_ZeroDegreeStillReachable(t *testing.T) {
	cands := []Candidate{
		{Peer: id.New("127.0.0.1", 9001), Degree: 0},
	}
	drawn := WeightedSample(cands, 1)
	assert.Equal(t, []id.PeerID{cands[0].Peer}, drawn)
}

// TestWeightedSample_HigherDegreeSelectedMoreOften is spec.md §8 scenario
// 3's named property: "probability of selecting the highest-degree
// candidate exceeds that of a lower-degree one". Drawing k=1 from the same
// two-candidate pool many times and counting which peer comes out first
// turns that probability into an observable frequency.
func TestWeightedSample_HigherDegreeSelectedMoreOften(t *testing.T) {
	high := id.New("127.0.0.1", 9001)
	low := id.New("127.0.0.1", 9002)
	cands := []Candidate{
		{Peer: high, Degree: 20},
		{Peer: low, Degree: 1},
	}

	const trials = 2000
	var highCount, lowCount int
	for i := 0; i < trials; i++ {
		drawn := WeightedSample(cands, 1)
		require.Len(t, drawn, 1)
		switch drawn[0] {
		case high:
			highCount++
		case low:
			lowCount++
		default:
			t.Fatalf("drew unknown peer %v", drawn[0])
		}
	}

	assert.Greater(t, highCount, lowCount,
		"degree-20 candidate should be drawn more often than the degree-1 candidate over %d trials (got %d vs %d)",
		trials, highCount, lowCount)
}
