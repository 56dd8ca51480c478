package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// PSKIterations is the PBKDF2 iteration count used to stretch an
// out-of-band password into PSK key material for ECDHE_PSK.
const PSKIterations = 10000

// PSKKeySize is the length of the stretched PSK used as HMAC key material
// for the PSK verifier exchange.
const PSKKeySize = 32

// StretchPSK derives PSK key material from a password and an opaque hint
// supplied by the application's password callback (spec section 4.C).
// The hint doubles as the PBKDF2 salt so two different hinted PSKs never
// collide even if the underlying password is reused.
func StretchPSK(password []byte, hint []byte) []byte {
	return pbkdf2.Key(password, hint, PSKIterations, PSKKeySize, sha256.New)
}
