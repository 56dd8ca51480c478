package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NonceSize is the number of random bytes in a handshake nonce, before hex
// encoding (spec section 6: "14 random bytes rendered as 28 hex characters").
const NonceSize = 14

// NewNonce generates a fresh random nonce, hex-encoded as the 28-character
// ASCII string carried on the wire by GenSessionKey.
func NewNonce() (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
