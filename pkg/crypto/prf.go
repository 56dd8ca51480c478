package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length of the derived per-session symmetric key.
const SessionKeySize = 16

// VerifierSize is the length in bytes of the handshake verifier. The
// GenSessionKey reply carries these raw bytes; the verifier is not sent as
// hex text.
const VerifierSize = 12

// PRFSHA256 is the SHA-256-based PRF from spec section 4.D:
//
//	PRF(masterSecret, label, nonceA, nonceB) -> sessionKey(16) || verifier(12)
//
// Both values are produced from a single stretch, matching the original
// KeyGen behavior of binding the session key and its verifier to the same
// PRF output rather than deriving them independently.
func PRFSHA256(masterSecret []byte, label string, nonceA, nonceB []byte) (sessionKey [SessionKeySize]byte, verifier [VerifierSize]byte, err error) {
	if len(masterSecret) == 0 {
		return sessionKey, verifier, fmt.Errorf("crypto: prf: %w", ErrInvalidKeyLength)
	}

	info := make([]byte, 0, len(label)+len(nonceA)+len(nonceB))
	info = append(info, []byte(label)...)
	info = append(info, nonceA...)
	info = append(info, nonceB...)

	kdf := hkdf.New(sha256.New, masterSecret, nil, info)

	out := make([]byte, SessionKeySize+VerifierSize)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return sessionKey, verifier, fmt.Errorf("crypto: prf stretch: %w", err)
	}

	copy(sessionKey[:], out[:SessionKeySize])
	copy(verifier[:], out[SessionKeySize:])
	return sessionKey, verifier, nil
}

// MasterSecretFromECDHE stretches a raw ECDHE shared secret into the
// 48-byte master secret cached by the credential store.
func MasterSecretFromECDHE(shared []byte, transcript []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared, nil, append([]byte("master secret"), transcript...))
	out := make([]byte, 48)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("crypto: master secret stretch: %w", err)
	}
	return out, nil
}
