package peernode

import (
	"math/rand"
	"time"

	"github.com/latticenet/overlay/internal/id"
)

// backoffBase, backoffFactor, and backoffCap implement the seed-amnesia
// retry policy of SPEC_FULL.md §C.3: exponential backoff with full
// jitter, since neither spec.md nor original_source/peer.py specify one
// and a peer that loses every seed cannot simply give up forever.
const (
	backoffBase   = 1 * time.Second
	backoffFactor = 2
	backoffCap    = 30 * time.Second
)

// fullJitterBackoff returns the sleep duration for retry attempt n
// (0-indexed): a uniform random draw in [0, min(cap, base*factor^n)].
func fullJitterBackoff(attempt int) time.Duration {
	max := backoffBase
	for i := 0; i < attempt; i++ {
		max *= backoffFactor
		if max >= backoffCap {
			max = backoffCap
			break
		}
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// shuffledSeeds returns a random permutation of seeds, so a retry after
// seed-side amnesia contacts a different subset first.
func shuffledSeeds(seeds []id.SeedID) []id.SeedID {
	out := make([]id.SeedID, len(seeds))
	copy(out, seeds)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
