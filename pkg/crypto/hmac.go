package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// PSKVerifier computes the MAC each side exchanges to prove possession of
// the PSK during ECDHE_PSK key authentication: HMAC-SHA256 over the running
// transcript digest, keyed by the stretched PSK.
func PSKVerifier(pskKey []byte, transcriptDigest []byte) []byte {
	mac := hmac.New(sha256.New, pskKey)
	mac.Write(transcriptDigest)
	return mac.Sum(nil)
}

// PSKVerifierEqual compares two PSK verifiers in constant time.
func PSKVerifierEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
