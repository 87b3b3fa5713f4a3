// Package id defines the PeerID/SeedID addressing scheme used throughout
// the overlay: an (ip, port) pair canonicalized to a single comparable
// string so it can key maps and sets directly.
package id

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"
)

// PeerID identifies a node in the overlay by its (ip, port) pair.
// SeedID is structurally identical; the two are distinguished by role at
// the call site, not by type, matching spec.md's data model.
type PeerID struct {
	IP   string
	Port int
}

// SeedID is a PeerID used in a seed role.
type SeedID = PeerID

// New canonicalizes an (ip, port) pair into a PeerID.
func New(ip string, port int) PeerID {
	return PeerID{IP: ip, Port: port}
}

// String renders the canonical "ip:port" form used both for hashing/map
// keys and as the wire representation of originator/reporter/proposer
// fields.
func (p PeerID) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// IsZero reports whether p is the zero value (used to detect "no ID"
// sentinel values without a pointer).
func (p PeerID) IsZero() bool {
	return p.IP == "" && p.Port == 0
}

// MarshalLogObject lets a PeerID be logged as a structured zap field,
// mirroring the teacher's MarshalLogObject implementations for its wire
// types.
func (p PeerID) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("ip", p.IP)
	enc.AddInt("port", p.Port)
	return nil
}

// Parse parses the canonical "ip:port" form back into a PeerID.
func Parse(s string) (PeerID, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return PeerID{}, fmt.Errorf("id: malformed peer id %q: missing port", s)
	}
	ip := s[:idx]
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return PeerID{}, fmt.Errorf("id: malformed peer id %q: %w", s, err)
	}
	if ip == "" {
		return PeerID{}, fmt.Errorf("id: malformed peer id %q: empty ip", s)
	}
	return PeerID{IP: ip, Port: port}, nil
}

// Set is a small unordered set of PeerID, used for live_peers,
// pending_add/pending_remove reporter sets, and neighbor membership tests.
type Set map[PeerID]struct{}

// NewSet builds a Set from the given ids.
func NewSet(ids ...PeerID) Set {
	s := make(Set, len(ids))
	for _, i := range ids {
		s[i] = struct{}{}
	}
	return s
}

func (s Set) Add(p PeerID) {
	s[p] = struct{}{}
}

func (s Set) Remove(p PeerID) {
	delete(s, p)
}

func (s Set) Contains(p PeerID) bool {
	_, ok := s[p]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

func (s Set) Slice() []PeerID {
	out := make([]PeerID, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	return out
}

// Majority returns floor(n/2)+1, the consensus-majority threshold used by
// both the ADD and REMOVE protocols (spec.md §4.2, glossary).
func Majority(n int) int {
	return n/2 + 1
}
