// Package gossip implements the flood-and-dedup engine (C4): periodic
// origination, hash-based deduplication against a bounded Message Log,
// and best-effort forwarding to every neighbor but the sender.
package gossip

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Hash returns the dedup key for a gossip payload, spec.md §4.4: "a
// cryptographic hash of the payload string (the reference uses SHA-256)".
func Hash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Log is the per-peer Message Log (ML) of spec.md §3: a bounded FIFO of
// seen hashes, evicted oldest-first-seen on overflow. Grounded on the
// teacher's peermap.go data-module shape (mutex-guarded map plus an
// explicit ordering structure), generalized from peer state to hashes.
type Log struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewLog builds an empty Message Log with the given capacity.
func NewLog(capacity int) *Log {
	return &Log{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// CheckAndRecord reports whether hash h has been seen before. If it is
// new, it is recorded and — if the log is now over capacity — the oldest
// entry is evicted (spec.md §3: "destroyed by cap eviction (FIFO on
// first-seen timestamp)").
func (l *Log) CheckAndRecord(h string) (isNew bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[h]; ok {
		return false
	}

	l.seen[h] = struct{}{}
	l.order = append(l.order, h)
	if len(l.order) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.seen, oldest)
	}
	return true
}

// Contains reports whether h is currently in the log, without recording
// it. Used by tests to confirm a message was retained.
func (l *Log) Contains(h string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[h]
	return ok
}

// Len returns the current number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
