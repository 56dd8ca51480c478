package wire

import "encoding/binary"

// MaxFieldSize bounds any single length-prefixed field, preventing a
// malformed or hostile peer from driving an unbounded allocation.
const MaxFieldSize = 1 << 20

// Reader decodes the primitive alphabet written by Writer. It tracks a
// cursor into an in-memory byte slice; Checkpoint/Rollback let callers
// implement the strict roll-back-on-mismatch unmarshal behavior required by
// spec section 4.F by snapshotting the cursor before attempting to decode a
// whole object graph and restoring it if decoding fails partway through.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining reports how many bytes are left to read.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Checkpoint returns a cursor position that can later be passed to Rollback.
func (r *Reader) Checkpoint() int {
	return r.pos
}

// Rollback restores the cursor to a previously returned checkpoint,
// discarding any partial reads made since.
func (r *Reader) Rollback(checkpoint int) {
	r.pos = checkpoint
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || n > MaxFieldSize {
		return nil, ErrTooLarge
	}
	if r.Remaining() < n {
		return nil, ErrShortRead
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Byte reads a single byte (signature 'y').
func (r *Reader) Byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a big-endian uint16 (signature 'q').
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a big-endian uint32 (signature 'u').
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// String reads a length-prefixed UTF-8 string (signature 's').
func (r *Reader) String() (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes reads a length-prefixed byte array (signature 'ay').
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// FixedBytes reads exactly n raw bytes with no length prefix.
func (r *Reader) FixedBytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadArray reads the uint32 element count and invokes dec once per
// element, the mirror of WriteArray. maxElements guards against a bogus
// huge count driving unbounded work before any per-element short-read is
// detected.
func ReadArray(r *Reader, maxElements int, dec func(i int) error) (int, error) {
	n, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	if int(n) > maxElements {
		return 0, ErrTooLarge
	}
	for i := 0; i < int(n); i++ {
		if err := dec(i); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}
