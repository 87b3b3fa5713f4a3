// Package transport wraps the connection-oriented, framed line-delimited
// byte streams spec.md treats as an external collaborator (§1 "Out of
// scope") with the thin plumbing this repo actually needs on top: bounded
// dial timeouts (§5 "every outbound connect attempt has a bounded
// timeout"), a bufio-buffered reader/writer pair, and helpers for sending a
// single frame and, optionally, waiting for exactly one reply frame.
package transport

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/latticenet/overlay/internal/wire"
)

// DialTimeout is the bounded timeout for outbound connect attempts
// mandated by spec.md §5.
const DialTimeout = 5 * time.Second

// Conn is a framed connection: a net.Conn plus buffered line framing.
type Conn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

// Wrap adapts an already-established net.Conn for framed line I/O.
func Wrap(c net.Conn) *Conn {
	return &Conn{Conn: c, r: bufio.NewReader(c), w: bufio.NewWriter(c)}
}

// Dial opens a new outbound connection to addr with the bounded connect
// timeout, and wraps it for framed I/O.
func Dial(addr string) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return Wrap(c), nil
}

// ReadFrame blocks for the next frame on the connection.
func (c *Conn) ReadFrame() (wire.Message, error) {
	return wire.ReadFrame(c.r)
}

// WriteFrame writes and flushes a single frame.
func (c *Conn) WriteFrame(m wire.Message) error {
	if err := wire.WriteFrame(c.w, m); err != nil {
		return err
	}
	return c.w.Flush()
}

// SendAndClose dials addr, writes a single frame, and closes the
// connection without waiting for a reply. Used for fire-and-forget sends
// (seed-to-seed broadcast, PEER_LIST push, dead-node reports, SUSPECT
// confirmations to a non-neighbor).
func SendAndClose(addr string, m wire.Message) error {
	c, err := Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SetWriteDeadline(time.Now().Add(DialTimeout)); err != nil {
		return err
	}
	return c.WriteFrame(m)
}

// Request dials addr, writes a single frame, and returns the first frame
// read back within timeout. Used for short-lived request/reply exchanges
// (REGISTER, DEG_QUERY, PING).
func Request(addr string, m wire.Message, timeout time.Duration) (wire.Message, error) {
	c, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if err := c.WriteFrame(m); err != nil {
		return nil, err
	}
	return c.ReadFrame()
}
