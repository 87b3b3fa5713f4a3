// Package wire implements the line-oriented control protocol codec (C1):
// framing and parsing of the fixed message kinds in spec.md §4.1. Frames are
// newline-terminated ASCII with whitespace-delimited fields; parsing fails
// closed — a malformed frame yields an error and is never half-applied.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/latticenet/overlay/internal/id"
)

// Kind identifies one of the fixed message kinds of spec.md §4.1.
type Kind string

const (
	KindRegister      Kind = "REGISTER"
	KindRegisterAck   Kind = "REGISTER_ACK"
	KindProposeAdd    Kind = "PROPOSE_ADD"
	KindVoteAdd       Kind = "VOTE_ADD"
	KindCommitAdd     Kind = "COMMIT_ADD"
	KindPeerList      Kind = "PEER_LIST"
	KindDegQuery      Kind = "DEG_QUERY"
	KindDegReply      Kind = "DEG_REPLY"
	KindConnect       Kind = "CONNECT"
	KindGossip        Kind = "GOSSIP"
	KindPing          Kind = "PING"
	KindPong          Kind = "PONG"
	KindDeadNode      Kind = "DEAD_NODE"
	KindProposeRemove Kind = "PROPOSE_REMOVE"
	// KindVoteRemove and KindCommitRemove are the SPEC_FULL.md §C.2
	// supplement: seed-to-seed REMOVE replication signals symmetric to
	// VOTE_ADD/COMMIT_ADD.
	KindVoteRemove   Kind = "VOTE_REMOVE"
	KindCommitRemove Kind = "COMMIT_REMOVE"
	// KindSuspect is the peer-to-peer corroboration message of spec.md
	// §4.5 ("a suspecting peer queries its other neighbors"). The same
	// kind carries both directions of the exchange: a suspecting peer
	// sends SUSPECT(target, self, query) to ask a neighbor to test
	// target, and that neighbor replies SUSPECT(target, self, confirm)
	// only if its own test ping found target unreachable. The trailing
	// Confirm field is what lets a receiver tell "please test this" from
	// "I tested it and it's dead" apart — without it, a neighbor mid-way
	// through its own corroboration of the same target could mistake an
	// unrelated incoming query for a confirmation of its own suspicion.
	// Grounded on original_source/peer.py's SUSPECT message fields
	// (suspect_ip/port, reporter_ip/port).
	KindSuspect Kind = "SUSPECT"
)

// Message is implemented by every decoded frame payload.
type Message interface {
	Kind() Kind
	// Encode renders the whole frame line, starting with the kind keyword,
	// without a trailing newline.
	Encode() string
}

// ---- REGISTER ----

type Register struct {
	Peer id.PeerID
}

func (Register) Kind() Kind { return KindRegister }
func (m Register) Encode() string {
	return fmt.Sprintf("%s %s %d", KindRegister, m.Peer.IP, m.Peer.Port)
}

// ---- REGISTER_ACK (SPEC_FULL.md §C.1 supplement) ----

const (
	StatusAlreadyRegistered = "ALREADY_REGISTERED"
	StatusProposalStarted   = "PROPOSAL_STARTED"
)

type RegisterAck struct {
	Status string
}

func (RegisterAck) Kind() Kind { return KindRegisterAck }
func (m RegisterAck) Encode() string {
	return fmt.Sprintf("%s %s", KindRegisterAck, m.Status)
}

// ---- PROPOSE_ADD ----

type ProposeAdd struct {
	Peer     id.PeerID
	Proposer id.SeedID
}

func (ProposeAdd) Kind() Kind { return KindProposeAdd }
func (m ProposeAdd) Encode() string {
	return fmt.Sprintf("%s %s %d %s", KindProposeAdd, m.Peer.IP, m.Peer.Port, m.Proposer)
}

// ---- VOTE_ADD ----

type VoteAdd struct {
	Peer  id.PeerID
	Voter id.SeedID
}

func (VoteAdd) Kind() Kind { return KindVoteAdd }
func (m VoteAdd) Encode() string {
	return fmt.Sprintf("%s %s %d %s", KindVoteAdd, m.Peer.IP, m.Peer.Port, m.Voter)
}

// ---- COMMIT_ADD ----

type CommitAdd struct {
	Peer id.PeerID
}

func (CommitAdd) Kind() Kind { return KindCommitAdd }
func (m CommitAdd) Encode() string {
	return fmt.Sprintf("%s %s %d", KindCommitAdd, m.Peer.IP, m.Peer.Port)
}

// ---- PEER_LIST ----

type PeerList struct {
	Peers []id.PeerID
}

func (PeerList) Kind() Kind { return KindPeerList }
func (m PeerList) Encode() string {
	parts := make([]string, 0, len(m.Peers)+1)
	parts = append(parts, string(KindPeerList))
	for _, p := range m.Peers {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " ")
}

// ---- DEG_QUERY ----

type DegQuery struct{}

func (DegQuery) Kind() Kind     { return KindDegQuery }
func (DegQuery) Encode() string { return string(KindDegQuery) }

// ---- DEG_REPLY ----

type DegReply struct {
	Degree int
}

func (DegReply) Kind() Kind { return KindDegReply }
func (m DegReply) Encode() string {
	return fmt.Sprintf("%s %d", KindDegReply, m.Degree)
}

// ---- CONNECT ----

type Connect struct {
	Peer id.PeerID
}

func (Connect) Kind() Kind { return KindConnect }
func (m Connect) Encode() string {
	return fmt.Sprintf("%s %s %d", KindConnect, m.Peer.IP, m.Peer.Port)
}

// ---- GOSSIP ----

type Gossip struct {
	Originator id.PeerID
	SeqNo      int
	Timestamp  int64
	Payload    string
}

func (Gossip) Kind() Kind { return KindGossip }
func (m Gossip) Encode() string {
	return fmt.Sprintf("%s %s %d %d %s", KindGossip, m.Originator, m.SeqNo, m.Timestamp, m.Payload)
}

// ---- PING / PONG ----

type Ping struct {
	Nonce string
}

func (Ping) Kind() Kind       { return KindPing }
func (m Ping) Encode() string { return fmt.Sprintf("%s %s", KindPing, m.Nonce) }

type Pong struct {
	Nonce string
}

func (Pong) Kind() Kind       { return KindPong }
func (m Pong) Encode() string { return fmt.Sprintf("%s %s", KindPong, m.Nonce) }

// ---- DEAD_NODE ----

type DeadNode struct {
	Dead      id.PeerID
	Reporter  id.PeerID
	Timestamp int64
}

func (DeadNode) Kind() Kind { return KindDeadNode }
func (m DeadNode) Encode() string {
	return fmt.Sprintf("%s %s %d %s %d %d", KindDeadNode,
		m.Dead.IP, m.Dead.Port, m.Reporter.IP, m.Reporter.Port, m.Timestamp)
}

// ---- PROPOSE_REMOVE ----

type ProposeRemove struct {
	Peer     id.PeerID
	Proposer id.SeedID
}

func (ProposeRemove) Kind() Kind { return KindProposeRemove }
func (m ProposeRemove) Encode() string {
	return fmt.Sprintf("%s %s %d %s", KindProposeRemove, m.Peer.IP, m.Peer.Port, m.Proposer)
}

// ---- VOTE_REMOVE / COMMIT_REMOVE ----

type VoteRemove struct {
	Peer  id.PeerID
	Voter id.SeedID
}

func (VoteRemove) Kind() Kind { return KindVoteRemove }
func (m VoteRemove) Encode() string {
	return fmt.Sprintf("%s %s %d %s", KindVoteRemove, m.Peer.IP, m.Peer.Port, m.Voter)
}

type CommitRemove struct {
	Peer id.PeerID
}

func (CommitRemove) Kind() Kind { return KindCommitRemove }
func (m CommitRemove) Encode() string {
	return fmt.Sprintf("%s %s %d", KindCommitRemove, m.Peer.IP, m.Peer.Port)
}

// ---- SUSPECT ----

// Confirm is false for the initial corroboration query ("please test
// this peer") and true for the reply sent back only when the test ping
// found the target unreachable ("I tested it and it's dead").
type Suspect struct {
	Suspect  id.PeerID
	Reporter id.PeerID
	Confirm  bool
}

func (Suspect) Kind() Kind { return KindSuspect }
func (m Suspect) Encode() string {
	role := "QUERY"
	if m.Confirm {
		role = "CONFIRM"
	}
	return fmt.Sprintf("%s %s %d %s %d %s", KindSuspect,
		m.Suspect.IP, m.Suspect.Port, m.Reporter.IP, m.Reporter.Port, role)
}

// Parse decodes a single line (without its trailing newline) into a typed
// Message. It fails closed: any malformed field yields an error and no
// partial Message.
func Parse(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}

	kind := Kind(fields[0])
	args := fields[1:]

	switch kind {
	case KindRegister:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		return Register{Peer: id.New(ip, port)}, nil

	case KindRegisterAck:
		if len(args) != 1 {
			return nil, fmt.Errorf("wire: %s: want 1 field, got %d", kind, len(args))
		}
		return RegisterAck{Status: args[0]}, nil

	case KindProposeAdd:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 3 {
			return nil, fmt.Errorf("wire: %s: missing proposer", kind)
		}
		proposer, err := id.Parse(args[2])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: %w", kind, err)
		}
		return ProposeAdd{Peer: id.New(ip, port), Proposer: proposer}, nil

	case KindVoteAdd:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 3 {
			return nil, fmt.Errorf("wire: %s: missing voter", kind)
		}
		voter, err := id.Parse(args[2])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: %w", kind, err)
		}
		return VoteAdd{Peer: id.New(ip, port), Voter: voter}, nil

	case KindCommitAdd:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		return CommitAdd{Peer: id.New(ip, port)}, nil

	case KindPeerList:
		var peers []id.PeerID
		for _, a := range args {
			p, err := id.Parse(a)
			if err != nil {
				return nil, fmt.Errorf("wire: %s: %w", kind, err)
			}
			peers = append(peers, p)
		}
		return PeerList{Peers: peers}, nil

	case KindDegQuery:
		return DegQuery{}, nil

	case KindDegReply:
		if len(args) != 1 {
			return nil, fmt.Errorf("wire: %s: want 1 field, got %d", kind, len(args))
		}
		degree, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: bad degree: %w", kind, err)
		}
		return DegReply{Degree: degree}, nil

	case KindConnect:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		return Connect{Peer: id.New(ip, port)}, nil

	case KindGossip:
		if len(args) < 4 {
			return nil, fmt.Errorf("wire: %s: want at least 4 fields, got %d", kind, len(args))
		}
		originator, err := id.Parse(args[0])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: %w", kind, err)
		}
		seqNo, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: bad seq_no: %w", kind, err)
		}
		ts, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("wire: %s: bad timestamp: %w", kind, err)
		}
		return Gossip{
			Originator: originator,
			SeqNo:      seqNo,
			Timestamp:  ts,
			Payload:    strings.Join(args[3:], " "),
		}, nil

	case KindPing:
		if len(args) != 1 {
			return nil, fmt.Errorf("wire: %s: want 1 field, got %d", kind, len(args))
		}
		return Ping{Nonce: args[0]}, nil

	case KindPong:
		if len(args) != 1 {
			return nil, fmt.Errorf("wire: %s: want 1 field, got %d", kind, len(args))
		}
		return Pong{Nonce: args[0]}, nil

	case KindDeadNode:
		if len(args) != 5 {
			return nil, fmt.Errorf("wire: %s: want 5 fields, got %d", kind, len(args))
		}
		deadPort, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: bad dead_port: %w", kind, err)
		}
		reporterPort, err := strconv.Atoi(args[3])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: bad reporter_port: %w", kind, err)
		}
		ts, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("wire: %s: bad timestamp: %w", kind, err)
		}
		return DeadNode{
			Dead:      id.New(args[0], deadPort),
			Reporter:  id.New(args[2], reporterPort),
			Timestamp: ts,
		}, nil

	case KindProposeRemove:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 3 {
			return nil, fmt.Errorf("wire: %s: missing proposer", kind)
		}
		proposer, err := id.Parse(args[2])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: %w", kind, err)
		}
		return ProposeRemove{Peer: id.New(ip, port), Proposer: proposer}, nil

	case KindVoteRemove:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 3 {
			return nil, fmt.Errorf("wire: %s: missing voter", kind)
		}
		voter, err := id.Parse(args[2])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: %w", kind, err)
		}
		return VoteRemove{Peer: id.New(ip, port), Voter: voter}, nil

	case KindCommitRemove:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		return CommitRemove{Peer: id.New(ip, port)}, nil

	case KindSuspect:
		ip, port, err := ipPort(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 5 {
			return nil, fmt.Errorf("wire: %s: missing reporter or role", kind)
		}
		reporterPort, err := strconv.Atoi(args[3])
		if err != nil {
			return nil, fmt.Errorf("wire: %s: bad reporter_port: %w", kind, err)
		}
		var confirm bool
		switch args[4] {
		case "QUERY":
			confirm = false
		case "CONFIRM":
			confirm = true
		default:
			return nil, fmt.Errorf("wire: %s: unrecognised role %q", kind, args[4])
		}
		return Suspect{Suspect: id.New(ip, port), Reporter: id.New(args[2], reporterPort), Confirm: confirm}, nil

	default:
		return nil, fmt.Errorf("wire: unrecognised frame kind %q", fields[0])
	}
}

func ipPort(args []string, at int) (string, int, error) {
	if len(args) < at+2 {
		return "", 0, fmt.Errorf("wire: missing ip/port fields")
	}
	port, err := strconv.Atoi(args[at+1])
	if err != nil {
		return "", 0, fmt.Errorf("wire: bad port %q: %w", args[at+1], err)
	}
	return args[at], port, nil
}

// WriteFrame writes a single Message as a newline-terminated line.
func WriteFrame(w io.Writer, m Message) error {
	_, err := io.WriteString(w, m.Encode()+"\n")
	return err
}

// ReadFrame reads and parses a single newline-terminated frame from r.
// It returns io.EOF unwrapped when the stream ends before a frame is read,
// so callers can distinguish clean connection close from a decode error.
func ReadFrame(r *bufio.Reader) (Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if line == "" {
			return nil, err
		}
		// Fall through: treat a final unterminated line as a frame, then
		// surface err (typically io.EOF) on the next read.
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("wire: empty line")
	}
	return Parse(line)
}
