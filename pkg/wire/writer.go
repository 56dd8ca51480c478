package wire

import (
	"bytes"
	"encoding/binary"
)

// Writer encodes the primitive alphabet used by the fixed wire signatures:
// y (byte), q (uint16), u (uint32), s (string), ay (byte array), and
// a(...) (length-prefixed arrays of structs), written via WriteArray.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded byte slice built so far.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// PutByte writes a single byte (signature 'y').
func (w *Writer) PutByte(v byte) {
	w.buf.WriteByte(v)
}

// PutUint16 writes a big-endian uint16 (signature 'q').
func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// PutUint32 writes a big-endian uint32 (signature 'u').
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// PutString writes a length-prefixed UTF-8 string (signature 's').
func (w *Writer) PutString(v string) {
	w.PutUint32(uint32(len(v)))
	w.buf.WriteString(v)
}

// PutBytes writes a length-prefixed byte array (signature 'ay').
func (w *Writer) PutBytes(v []byte) {
	w.PutUint32(uint32(len(v)))
	w.buf.Write(v)
}

// PutFixedBytes writes raw bytes with no length prefix, for fields whose
// length is already fixed by the signature (e.g. a 16-byte GUID).
func (w *Writer) PutFixedBytes(v []byte) {
	w.buf.Write(v)
}

// WriteArray writes the uint32 element count for n followed by calling enc
// for each index, implementing the a(...) array-of-struct signatures.
func WriteArray(w *Writer, n int, enc func(i int) error) error {
	w.PutUint32(uint32(n))
	for i := 0; i < n; i++ {
		if err := enc(i); err != nil {
			return err
		}
	}
	return nil
}
