// Package wire implements a typed reader/writer for the fixed handshake and
// policy/manifest signatures in spec section 6 (e.g. "su", "au",
// "a(ssa(syy))", "(qua(a(ya(yyayay)ay)a(ssa(syy))))"). Per the design note
// in spec section 9, this generates typed accessors for exactly those fixed
// signatures rather than a general string-typed marshaller — the signatures
// stay visible at the package boundary (one method per wire field), but
// there is no string-signature interpreter at runtime.
package wire

import "errors"

// ErrShortRead is returned when a Reader runs out of bytes mid-field.
var ErrShortRead = errors.New("wire: short read")

// ErrInvalid names a structural decoding failure for higher layers. The
// Reader itself does not return it: a truncated field yields ErrShortRead
// and an oversized length prefix ErrTooLarge. Per spec section 4.F a failed
// decode must not leave a partial object graph; pkg/policy meets that by
// returning no object on error rather than by checkpointing the Reader.
var ErrInvalid = errors.New("wire: invalid encoding")

// ErrTooLarge is returned when a length-prefixed field declares a length
// that exceeds the configured maximum, guarding against a malicious peer
// causing an unbounded allocation.
var ErrTooLarge = errors.New("wire: field too large")
