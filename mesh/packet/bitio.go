package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Codec failure classes (spec §4.1). These are sentinel errors so callers
// can errors.Is against them after github.com/pkg/errors wrapping.
var (
	ErrTruncatedInput = errors.New("truncated input")
	ErrLengthOverflow = errors.New("length overflow")
	ErrUnknownVersion = errors.New("unknown version")
)

// writer accumulates a big-endian wire frame.
type writer struct {
	buf []byte
}

func newWriter(sizeHint int) *writer {
	return &writer{buf: make([]byte, 0, sizeHint)}
}

func (w *writer) writeU8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) writeFixed(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) writeU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) writeU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// writeLengthPrefixedU16 writes a u16 length prefix followed by b. Returns
// ErrLengthOverflow without writing anything if b does not fit in a u16.
func (w *writer) writeLengthPrefixedU16(b []byte) error {
	if len(b) > MaxPayloadLen {
		return ErrLengthOverflow
	}
	w.writeU16(uint16(len(b)))
	w.writeFixed(b)
	return nil
}

func (w *writer) bytes() []byte { return w.buf }

// reader consumes a big-endian wire frame. Every method returns
// ErrTruncatedInput rather than a partial read on short input.
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readU8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncatedInput
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) readU16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrTruncatedInput
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) readU64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrTruncatedInput
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) readFixed(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncatedInput
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// readLengthPrefixedBytes reads a u16 length prefix then that many bytes,
// rejecting a declared length beyond maxlen as a malformed frame.
func (r *reader) readLengthPrefixedBytes(maxlen int) ([]byte, error) {
	n, err := r.readU16()
	if err != nil {
		return nil, err
	}
	if int(n) > maxlen {
		return nil, ErrLengthOverflow
	}
	return r.readFixed(int(n))
}
