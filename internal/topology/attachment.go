package topology

import (
	"math/rand"

	"github.com/latticenet/overlay/internal/id"
)

// Candidate is one entry of the degree-probe results collected during
// bootstrap phase 2 (spec.md §4.3).
type Candidate struct {
	Peer   id.PeerID
	Degree int
}

// WeightedSample draws up to k distinct candidates without replacement,
// weighting each candidate by degree+1 (spec.md §4.3 phase 3:
// "preferential attachment: candidates are weighted proportionally to
// degree_hint + 1, then k are drawn without replacement"). The +1 keeps
// degree-0 candidates reachable instead of having zero probability mass.
//
// Grounded on the same idea as original_source/peer.py's
// form_power_law_network, reimplemented as an efficient running-total
// weighted draw rather than repeatedly rebuilding a flattened weight
// list.
func WeightedSample(candidates []Candidate, k int) []id.PeerID {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	pool := make([]Candidate, len(candidates))
	copy(pool, candidates)

	out := make([]id.PeerID, 0, k)
	for i := 0; i < k; i++ {
		total := 0
		for _, c := range pool {
			total += c.Degree + 1
		}
		if total <= 0 {
			break
		}

		draw := rand.Intn(total)
		idx := 0
		running := 0
		for j, c := range pool {
			running += c.Degree + 1
			if draw < running {
				idx = j
				break
			}
		}

		out = append(out, pool[idx].Peer)
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}
