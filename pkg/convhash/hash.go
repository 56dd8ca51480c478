// Package convhash implements the running conversation hash described in
// spec section 4.A: a versioned SHA-256 transcript digest fed by every
// handshake message, used both as the input to ECDSA transcript signatures
// and as context bound into the PRF session-key derivation.
package convhash

import (
	"crypto/sha256"
	"hash"
)

// Version gates which handshake events feed the hash. v1 peers only ever
// hash a narrow, legacy set of fields; v4 peers hash every whole marshalled
// or unmarshalled message. See Hash.Update.
type Version uint16

const (
	VersionLegacy Version = 1
	VersionFour   Version = 4
)

// Direction distinguishes whether Update is being fed the bytes as they
// were marshalled for sending, or as unmarshalled from a received message.
// Key-authentication bodies are hashed only in the Unmarshaled direction so
// the verifier they carry is never part of the transcript that produced it
// (spec section 3 invariant, section 4.A).
type Direction int

const (
	Marshaled Direction = iota
	Unmarshaled
)

// Hash is the versioned running transcript digest for one AuthContext.
type Hash struct {
	version Version
	h       hash.Hash

	// checkpoint holds a saved copy of the hash state captured before a
	// provisional update, so it can be rolled back if the peer turns out
	// to negotiate a version for which that update should never have
	// applied. Needed for ExchangeGUIDs: the initiator hashes its own
	// outgoing payload before it knows the peer's version.
	checkpoint hash.Hash
}

// New creates a conversation hash. The version may be changed later via
// SetVersion once negotiation completes.
func New(version Version) *Hash {
	return &Hash{version: version, h: sha256.New()}
}

// SetVersion updates the negotiated version. Per spec section 4.A, when the
// negotiated version is discovered to be < 4 after having provisionally
// hashed v4-level material (the ExchangeGUIDs case), the hash must be reset
// so that material never leaks into the verifier.
func (ch *Hash) SetVersion(v Version) {
	if v < VersionFour && ch.version >= VersionFour {
		ch.h = sha256.New()
	}
	ch.version = v
}

// Version reports the currently configured version.
func (ch *Hash) Version() Version {
	return ch.version
}

// Update feeds message bytes into the hash if the current version calls for
// it at this event. legacyField, when true, marks an update that v1 peers
// also perform (e.g. the big-endian suite u32); when false the update is a
// whole-message v4-only update.
func (ch *Hash) Update(data []byte, dir Direction, legacyField bool) {
	_ = dir // direction only matters to callers choosing what bytes to pass in
	if ch.version >= VersionFour || (legacyField && ch.version >= VersionLegacy) {
		ch.h.Write(data)
	}
}

// Checkpoint saves the current digest state so a provisional update can be
// undone with Rollback. Used for the ExchangeGUIDs pre-version-negotiation
// hash described in SPEC_FULL.md section 4.
func (ch *Hash) Checkpoint() {
	ch.checkpoint = cloneHash(ch.h)
}

// Rollback restores the digest state saved by the last Checkpoint,
// discarding any updates made since.
func (ch *Hash) Rollback() {
	if ch.checkpoint != nil {
		ch.h = cloneHash(ch.checkpoint)
	}
}

// cloneHash relies on crypto/sha256's hash.Hash implementing
// encoding.BinaryMarshaler/Unmarshaler, which it has since Go 1.3, to take
// a point-in-time snapshot without re-hashing from scratch.
func cloneHash(h hash.Hash) hash.Hash {
	type binaryState interface {
		MarshalBinary() ([]byte, error)
	}
	type binaryRestore interface {
		UnmarshalBinary([]byte) error
	}

	state, err := h.(binaryState).MarshalBinary()
	if err != nil {
		return sha256.New()
	}
	clone := sha256.New()
	if err := clone.(binaryRestore).UnmarshalBinary(state); err != nil {
		return sha256.New()
	}
	return clone
}

// Sum returns the current digest without mutating the running hash.
func (ch *Hash) Sum() []byte {
	return cloneHash(ch.h).Sum(nil)
}

// Reset clears the hash back to its initial empty state, used when an
// AuthContext is cleared (spec section 5 cancellation rule).
func (ch *Hash) Reset() {
	ch.h = sha256.New()
	ch.checkpoint = nil
}
