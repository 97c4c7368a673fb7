package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Decoder reads length-prefixed primitives off a byte stream in the wire
// format's big-endian framing. It is not safe for concurrent use; each
// connection owns exactly one reader goroutine per the scheduler's and
// worker's threading model.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for reading wire-format frames.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Opcode reads the next opcode from the stream.
func (d *Decoder) Opcode() (Opcode, error) {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return Opcode(binary.BigEndian.Uint32(buf[:])), nil
}

// Uint32 reads a big-endian u32 scalar.
func (d *Decoder) Uint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Int32 reads a big-endian i32 scalar.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Uint64 reads a big-endian u64 scalar, used for byte offsets and sizes
// that may exceed the 32-bit range.
func (d *Decoder) Uint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Int64 reads a big-endian i64 scalar.
func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

// Bytes reads a u32 length prefix followed by that many raw bytes.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if n > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return buf, nil
}

// String reads a length-prefixed string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Fixed reads exactly n raw bytes with no length prefix, used for the
// one-byte state field of a StatusReply.
func (d *Decoder) Fixed(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return buf, nil
}

// Encoder writes length-prefixed primitives in the wire format's
// big-endian framing. Not safe for concurrent use; callers serialize writes
// to a connection through a single owning goroutine (or an external mutex).
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w for writing wire-format frames.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Opcode writes an opcode.
func (e *Encoder) Opcode(op Opcode) error {
	return e.Uint32(uint32(op))
}

// Uint32 writes a big-endian u32 scalar.
func (e *Encoder) Uint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := e.w.Write(buf[:])
	return err
}

// Int32 writes a big-endian i32 scalar.
func (e *Encoder) Int32(v int32) error {
	return e.Uint32(uint32(v))
}

// Uint64 writes a big-endian u64 scalar.
func (e *Encoder) Uint64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := e.w.Write(buf[:])
	return err
}

// Int64 writes a big-endian i64 scalar.
func (e *Encoder) Int64(v int64) error {
	return e.Uint64(uint64(v))
}

// Bytes writes a u32 length prefix followed by b.
func (e *Encoder) Bytes(b []byte) error {
	if err := e.Uint32(uint32(len(b))); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

// String writes a length-prefixed string.
func (e *Encoder) String(s string) error {
	return e.Bytes([]byte(s))
}

// Fixed writes raw bytes with no length prefix.
func (e *Encoder) Fixed(b []byte) error {
	_, err := e.w.Write(b)
	return err
}

// Flush pushes any buffered bytes to the underlying writer. Callers must
// call Flush after writing a complete message; the encoder buffers writes
// to avoid a syscall per field.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}
