// Package transport carries tick frames and back-pressure levels between
// peers over either a real TCP connection (multi-process deployment) or an
// in-process net.Pipe (single-process demo), sharing the same wire framing
// either way. Every Link is a single logical channel between exactly two
// ranks, in one direction; the channel tag is carried as a one-byte prefix
// on every message purely as a sanity check against mis-wired topologies.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/akrobe/traffic-twin/internal/ids"
	"github.com/akrobe/traffic-twin/internal/timing"
	"github.com/akrobe/traffic-twin/internal/wire"
)

func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func readFull(r io.Reader, b []byte) (int, error) { return io.ReadFull(r, b) }

// Link is one simplex channel to a peer rank, carrying either TickFrames
// (recordSize > 0) or bare back-pressure levels (recordSize == 0, tag BP).
type Link struct {
	Peer       int
	Tag        ids.Tag
	recordSize int
	conn       net.Conn
	enc        *wire.Encoder
	dec        *wire.Decoder
}

// NewLink wraps an established connection as a Link. recordSize is the wire
// size of the record type this link carries; pass 0 for a bare-level (BP)
// link.
func NewLink(peer int, tag ids.Tag, conn net.Conn, recordSize int) *Link {
	return &Link{
		Peer:       peer,
		Tag:        tag,
		recordSize: recordSize,
		conn:       conn,
		enc:        wire.NewEncoder(conn),
		dec:        wire.NewDecoder(conn),
	}
}

func (l *Link) Close() error { return l.conn.Close() }

// SendFrame writes one tagged TickFrame.
func (l *Link) SendFrame(f wire.TickFrame) error {
	return l.enc.WriteTaggedFrame(byte(l.Tag), f)
}

// RecvFrame blocks for the next tagged TickFrame, rejecting any frame whose
// tag doesn't match this link's Tag, a protocol-level guard against a
// misconfigured topology.
func (l *Link) RecvFrame() (wire.TickFrame, error) {
	tag, err := l.dec.ReadTag()
	if err != nil {
		return wire.TickFrame{}, err
	}
	if ids.Tag(tag) != l.Tag {
		return wire.TickFrame{}, fmt.Errorf("transport: peer %d: expected tag %s, got %s", l.Peer, l.Tag, ids.Tag(tag))
	}
	return l.dec.ReadTickFrame(l.recordSize)
}

// SendLevel writes one tagged bare back-pressure level.
func (l *Link) SendLevel(level int32) error {
	return l.enc.WriteTaggedLevel(byte(l.Tag), level)
}

// RecvLevel blocks for the next tagged level.
func (l *Link) RecvLevel() (int32, error) {
	tag, err := l.dec.ReadTag()
	if err != nil {
		return 0, err
	}
	if ids.Tag(tag) != l.Tag {
		return 0, fmt.Errorf("transport: peer %d: expected tag %s, got %s", l.Peer, l.Tag, ids.Tag(tag))
	}
	return l.dec.ReadLevel()
}

// Pipe returns two Links, a and b, connected by an in-process net.Pipe,
// wired for the given tag and record size (as seen from a's send direction
// to b's recv direction; callers that need the reverse direction build a
// second Pipe).
func Pipe(rankA, rankB int, tag ids.Tag, recordSize int) (a, b *Link) {
	ca, cb := net.Pipe()
	return NewLink(rankB, tag, ca, recordSize), NewLink(rankA, tag, cb, recordSize)
}

// Dial opens a TCP Link to addr for the given peer/tag/recordSize.
func Dial(peer int, tag ids.Tag, addr string, recordSize int) (*Link, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewLink(peer, tag, conn, recordSize), nil
}

// Accept wraps one already-accepted TCP connection as a Link.
func Accept(peer int, tag ids.Tag, conn net.Conn, recordSize int) *Link {
	return NewLink(peer, tag, conn, recordSize)
}

// AnnounceHandshake writes a 5-byte header (rank uint32 LE, tag byte)
// identifying the dialing side of a connection, so a listener that accepts
// connections from more than one sender (the Aggregator's inbound samples +
// per-predictor BP hints, the Controller's P predictor connections) can
// demultiplex them without a dedicated port per sender.
func AnnounceHandshake(conn net.Conn, rank int, tag ids.Tag) error {
	var b [5]byte
	putUint32(b[0:4], uint32(rank))
	b[4] = byte(tag)
	_, err := conn.Write(b[:])
	if err != nil {
		return fmt.Errorf("transport: handshake write: %w", err)
	}
	return nil
}

// ReadHandshake blocks for the 5-byte handshake header a dialer wrote via
// AnnounceHandshake.
func ReadHandshake(conn net.Conn) (rank int, tag ids.Tag, err error) {
	var b [5]byte
	if _, err := readFull(conn, b[:]); err != nil {
		return 0, 0, fmt.Errorf("transport: handshake read: %w", err)
	}
	return int(getUint32(b[0:4])), ids.Tag(b[4]), nil
}

// DialHandshake dials addr, announces (selfRank, tag), and wraps the
// resulting connection as a Link carrying recordSize-sized records (0 for a
// bare-level link).
func DialHandshake(selfRank, peerRank int, tag ids.Tag, addr string, recordSize int) (*Link, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if err := AnnounceHandshake(conn, selfRank, tag); err != nil {
		conn.Close()
		return nil, err
	}
	return NewLink(peerRank, tag, conn, recordSize), nil
}

// DialHandshakeRetry keeps re-dialing until the peer's listener is up or the
// startup window runs out. The rank mapping is fixed by position, not
// negotiated, and peers come up in no particular order, so dialers tolerate
// a not-yet-listening peer for up to windowMS.
func DialHandshakeRetry(clk timing.Clock, windowMS int64, selfRank, peerRank int, tag ids.Tag, addr string, recordSize int) (*Link, error) {
	deadline := timing.NewDeadline(clk, windowMS)
	for {
		link, err := DialHandshake(selfRank, peerRank, tag, addr, recordSize)
		if err == nil {
			return link, nil
		}
		if deadline.Expired() {
			return nil, fmt.Errorf("transport: dial %s (rank %d) within %dms: %w", addr, peerRank, windowMS, err)
		}
		clk.Sleep(50 * time.Millisecond)
	}
}

// FrameInbox runs a background reader goroutine that pulls TickFrames off a
// Link into a small buffered channel, turning the blocking Link.RecvFrame
// into something a gather loop can poll non-blockingly.
type FrameInbox struct {
	link *Link
	ch   chan wire.TickFrame
	errc chan error
}

func NewFrameInbox(link *Link) *FrameInbox {
	fi := &FrameInbox{link: link, ch: make(chan wire.TickFrame, 4), errc: make(chan error, 1)}
	go fi.run()
	return fi
}

func (fi *FrameInbox) run() {
	for {
		f, err := fi.link.RecvFrame()
		if err != nil {
			fi.errc <- err
			return
		}
		fi.ch <- f
	}
}

// TryRecv performs one non-blocking poll: it reports whether a frame was
// already available.
func (fi *FrameInbox) TryRecv() (wire.TickFrame, bool) {
	select {
	case f := <-fi.ch:
		return f, true
	default:
		return wire.TickFrame{}, false
	}
}

// Recv blocks until a frame (or the link's terminal error) arrives.
func (fi *FrameInbox) Recv() (wire.TickFrame, error) {
	select {
	case f := <-fi.ch:
		return f, nil
	case err := <-fi.errc:
		return wire.TickFrame{}, err
	}
}

func (fi *FrameInbox) Errors() <-chan error { return fi.errc }

// LevelInbox is FrameInbox's counterpart for a bare-level (BP) link.
type LevelInbox struct {
	link *Link
	ch   chan int32
	errc chan error
}

func NewLevelInbox(link *Link) *LevelInbox {
	li := &LevelInbox{link: link, ch: make(chan int32, 4), errc: make(chan error, 1)}
	go li.run()
	return li
}

func (li *LevelInbox) run() {
	for {
		lvl, err := li.link.RecvLevel()
		if err != nil {
			li.errc <- err
			return
		}
		li.ch <- lvl
	}
}

// DrainAll removes every level currently buffered without blocking; this is
// the Aggregator's per-tick BP drain, which folds every observed level via
// backpressure.Fold rather than queueing them.
func (li *LevelInbox) DrainAll() []int32 {
	var out []int32
	for {
		select {
		case lvl := <-li.ch:
			out = append(out, lvl)
		default:
			return out
		}
	}
}

// Listener accepts inbound connections and hands back each one's handshake,
// letting one socket demultiplex connections from several distinct senders
// (the Aggregator's Ingestor + per-predictor BP links, the Controller's P
// predictor links).
type Listener struct {
	ln net.Listener
}

func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }
func (l *Listener) Close() error { return l.ln.Close() }

// AcceptHandshake blocks for the next inbound connection and reads its
// handshake header.
func (l *Listener) AcceptHandshake() (conn net.Conn, rank int, tag ids.Tag, err error) {
	conn, err = l.ln.Accept()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("transport: accept: %w", err)
	}
	rank, tag, err = ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, 0, 0, err
	}
	return conn, rank, tag, nil
}

// PollUntil repeatedly calls try, sleeping a coarse millisecond between
// misses, until try reports success or the clock reaches endMS.
func PollUntil(clk timing.Clock, endMS int64, try func() bool) bool {
	for {
		if try() {
			return true
		}
		if timing.NowMS(clk) >= endMS {
			return try()
		}
		clk.Sleep(timing.PollInterval)
	}
}
