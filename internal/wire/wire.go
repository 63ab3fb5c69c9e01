// Package wire implements the tick-scoped frame protocol shared by every
// inter-role channel: a tick id, a record count, and, when count > 0, a raw
// byte blob of count*recordSize bytes. The contract has no variable-length
// fields and no schema-evolution story, so the codec stays on encoding/binary
// rather than a general serialization library.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameRecords bounds the record count a receiver will accept in one
// frame. A count beyond this exceeds any capacity this pipeline can produce
// in a tick and is treated as a malformed frame: the peer's contribution for
// the tick is discarded rather than allocated for.
const MaxFrameRecords = 1 << 16

// TickFrame is one stage's contribution for one tick on one tag: a tick id,
// a count, and the raw payload bytes (len(Payload) == Count*recordSize).
type TickFrame struct {
	TickID  uint32
	Count   int32
	Payload []byte
}

// Encoder writes TickFrames and bare back-pressure levels to an underlying
// stream (a net.Conn in practice, TCP or net.Pipe) as length-prefixed
// framing.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: bufio.NewWriter(w)} }

// WriteTickFrame writes the three-message sequence: tick_id, count, and the
// payload iff count > 0.
func (e *Encoder) WriteTickFrame(f TickFrame) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.TickID)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(f.Count))
	if _, err := e.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if f.Count > 0 {
		if _, err := e.w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return e.w.Flush()
}

// WriteLevel writes a bare int32 back-pressure level with no tick/count
// envelope. The regulator fold treats every level read as tick-less, so the
// envelope would carry nothing.
func (e *Encoder) WriteLevel(level int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(level))
	if _, err := e.w.Write(b[:]); err != nil {
		return fmt.Errorf("wire: write level: %w", err)
	}
	return e.w.Flush()
}

// Decoder reads frames and levels back off a stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: bufio.NewReader(r)} }

// ReadTickFrame reads the tick_id/count header and, when count > 0, exactly
// count*recordSize payload bytes. A short read anywhere in the sequence is a
// protocol error for that tick.
func (d *Decoder) ReadTickFrame(recordSize int) (TickFrame, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return TickFrame{}, fmt.Errorf("wire: read header: %w", err)
	}
	f := TickFrame{
		TickID: binary.LittleEndian.Uint32(hdr[0:4]),
		Count:  int32(binary.LittleEndian.Uint32(hdr[4:8])),
	}
	if f.Count < 0 {
		return TickFrame{}, fmt.Errorf("wire: negative count %d", f.Count)
	}
	if f.Count > MaxFrameRecords {
		return TickFrame{}, fmt.Errorf("wire: oversized frame: count %d exceeds %d", f.Count, MaxFrameRecords)
	}
	if f.Count > 0 {
		n := int(f.Count) * recordSize
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(d.r, f.Payload); err != nil {
			return TickFrame{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return f, nil
}

// ReadLevel reads a bare int32 back-pressure level.
func (d *Decoder) ReadLevel() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, fmt.Errorf("wire: read level: %w", err)
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// WriteTaggedFrame prefixes a TickFrame with a one-byte channel tag so a
// single connection can multiplex the FEAT/PRED/BP/CTRL channels between a
// pair of peers.
func (e *Encoder) WriteTaggedFrame(tag byte, f TickFrame) error {
	if err := e.w.WriteByte(tag); err != nil {
		return fmt.Errorf("wire: write tag: %w", err)
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.TickID)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(f.Count))
	if _, err := e.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if f.Count > 0 {
		if _, err := e.w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return e.w.Flush()
}

// WriteTaggedLevel prefixes a bare back-pressure level with its channel tag.
func (e *Encoder) WriteTaggedLevel(tag byte, level int32) error {
	if err := e.w.WriteByte(tag); err != nil {
		return fmt.Errorf("wire: write tag: %w", err)
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(level))
	if _, err := e.w.Write(b[:]); err != nil {
		return fmt.Errorf("wire: write level: %w", err)
	}
	return e.w.Flush()
}

// ReadTag reads the one-byte channel tag prefixing the next message.
func (d *Decoder) ReadTag() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("wire: read tag: %w", err)
	}
	return b, nil
}
