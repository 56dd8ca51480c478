package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// KeyPair holds a P-256 key pair in both ECDH and ECDSA representations.
// The handshake needs ECDH for the key exchange and ECDSA for transcript
// signing from the same identity key, so both views are kept in sync.
type KeyPair struct {
	ecdhKey  *ecdh.PrivateKey
	ecdsaKey *ecdsa.PrivateKey
}

// GenerateKeyPair creates a fresh ephemeral P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	return keyPairFromECDH(priv)
}

// KeyPairFromPrivateKey rebuilds a KeyPair from a previously persisted
// ECDSA private key (identity keys are long-lived and loaded from the
// credential store rather than generated each handshake).
func KeyPairFromPrivateKey(priv *ecdsa.PrivateKey) (*KeyPair, error) {
	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("crypto: convert identity key: %w", err)
	}
	return &KeyPair{ecdhKey: ecdhPriv, ecdsaKey: priv}, nil
}

func keyPairFromECDH(priv *ecdh.PrivateKey) (*KeyPair, error) {
	ecdsaKey, err := ecdhToECDSA(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{ecdhKey: priv, ecdsaKey: ecdsaKey}, nil
}

func ecdhToECDSA(priv *ecdh.PrivateKey) (*ecdsa.PrivateKey, error) {
	d := new(big.Int).SetBytes(priv.Bytes())
	pub := priv.PublicKey().Bytes()
	x, y := elliptic.Unmarshal(elliptic.P256(), pub)
	if x == nil {
		return nil, ErrInvalidPublicKey
	}
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		D:         d,
	}, nil
}

// PublicKeyUncompressed returns the 65-byte uncompressed point encoding of
// the pair's public key, the wire format for KeyExchange's ECDSA and ECDHE
// public-key fields.
func (kp *KeyPair) PublicKeyUncompressed() []byte {
	return kp.ecdhKey.PublicKey().Bytes()
}

// ECDHE computes the shared secret with a peer's uncompressed public key
// point. The result feeds PRFSHA256 as the master secret's raw input.
func (kp *KeyPair) ECDHE(peerPub []byte) ([]byte, error) {
	pub, err := PublicKeyFromUncompressed(peerPub)
	if err != nil {
		return nil, err
	}
	secret, err := kp.ecdhKey.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdhe: %w", err)
	}
	return secret, nil
}

// PublicKeyFromUncompressed parses a 65-byte uncompressed P-256 point.
func PublicKeyFromUncompressed(b []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(b)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// Sign produces an ECDSA signature over the SHA-256 digest of data (the
// running conversation hash at the time KeyAuthentication is sent).
func (kp *KeyPair) Sign(digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, kp.ecdsaKey, digest)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify checks a raw r||s ECDSA signature against a public key and digest.
func Verify(pub []byte, digest, sig []byte) error {
	if len(sig) != 64 {
		return ErrInvalidSignature
	}
	ecdhPub, err := PublicKeyFromUncompressed(pub)
	if err != nil {
		return err
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), ecdhPub.Bytes())
	ecdsaPub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(ecdsaPub, digest, r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// TranscriptDigest is a convenience wrapper so callers sign/verify exactly
// what the conversation hash produces: SHA-256 over the transcript so far.
func TranscriptDigest(transcript []byte) []byte {
	sum := sha256.Sum256(transcript)
	return sum[:]
}
