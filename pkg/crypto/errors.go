// Package crypto implements the key-exchange and key-derivation primitives
// used by the peering handshake: ephemeral P-256 ECDHE, ECDSA sign/verify
// over the running transcript, PBKDF2-stretched pre-shared keys, and the
// SHA-256 PRF that turns a master secret into a session key and verifier.
package crypto

import "errors"

var (
	// ErrInvalidPublicKey is returned when a peer's encoded public key point
	// is not a valid P-256 point.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")

	// ErrInvalidSignature is returned when an ECDSA signature fails to
	// verify against the expected transcript digest.
	ErrInvalidSignature = errors.New("crypto: invalid signature")

	// ErrInvalidKeyLength is returned when a raw key byte slice has the
	// wrong length for its purpose.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")
)
