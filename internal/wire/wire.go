// Package wire implements the binary framing and message encoding used
// on every federation link.
//
// Frames are 4-byte big-endian length prefixes followed by exactly that
// many payload bytes, so partial network reads reassemble cleanly.
// String fields inside a frame are 4-byte big-endian length + UTF-8
// bytes; numeric fields are fixed-width big-endian; booleans one byte.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds one frame. Tree announcements are the largest
	// messages; stream data is chunked well below this.
	MaxFrameSize = 8 << 20

	// StreamChunkSize is the payload size of one StreamData message.
	StreamChunkSize = 64 << 10
)

// ErrProtocol marks malformed or truncated wire data. The owning link
// treats it as fatal and closes the connection.
var ErrProtocol = errors.New("wire: protocol error")

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame, blocking until the whole
// payload has arrived.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: invalid frame size %d", ErrProtocol, n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame", ErrProtocol)
		}
		return nil, err
	}
	return payload, nil
}

// ── field primitives ────────────────────────────────────────────────

func appendString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// decoder consumes fixed-width and length-prefixed fields from one
// frame payload. All reads fail with ErrProtocol once the input runs
// short; callers check err after a batch of reads.
type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated field at offset %d", ErrProtocol, d.off)
	}
}

func (d *decoder) Byte() byte {
	if d.err != nil || d.off+1 > len(d.buf) {
		d.fail()
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) Bool() bool {
	return d.Byte() != 0
}

func (d *decoder) Uint32() uint32 {
	if d.err != nil || d.off+4 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) Uint64() uint64 {
	if d.err != nil || d.off+8 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) Bytes() []byte {
	n := int(d.Uint32())
	if d.err != nil || d.off+n > len(d.buf) || n > MaxFrameSize {
		d.fail()
		return nil
	}
	v := d.buf[d.off : d.off+n]
	d.off += n
	return v
}

func (d *decoder) String() string {
	return string(d.Bytes())
}

// Rest returns all remaining bytes of the frame.
func (d *decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	v := d.buf[d.off:]
	d.off = len(d.buf)
	return v
}

func (d *decoder) Err() error {
	return d.err
}
