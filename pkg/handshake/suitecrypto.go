package handshake

// Suite-specific key-exchange and key-authentication behavior (spec
// section 4.C): the three enabled suites share the same ECDHE step and
// differ only in what KeyExchange additionally carries and how
// KeyAuthentication's verifier is produced and checked.

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"

	"github.com/wirebus/peercore/pkg/crypto"
	"github.com/wirebus/peercore/pkg/membership"
	"github.com/wirebus/peercore/pkg/suite"
)

// uncompressedECPoint converts a DER SubjectPublicKeyInfo (what
// membership.VerifyChain hands back as the leaf's subject key) into the
// 65-byte uncompressed P-256 point crypto.Verify expects, the same
// encoding crypto.KeyPair.PublicKeyUncompressed produces for the local side.
func uncompressedECPoint(derSPKI []byte) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(derSPKI)
	if err != nil {
		return nil, err
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, crypto.ErrInvalidPublicKey
	}
	return elliptic.Marshal(ecdsaPub.Curve, ecdsaPub.X, ecdsaPub.Y), nil
}

// buildKeyExchangeExtras returns the suite-specific fields to attach to an
// outgoing KeyExchangeRequest/Reply: a certificate chain for ECDHE_ECDSA, a
// PSK hint for ECDHE_PSK, neither for ECDHE_NULL.
func (m *Manager) buildKeyExchangeExtras(ctx *AuthContext) (certChain [][]byte, pskHint []byte, err error) {
	switch ctx.Suite {
	case suite.ECDHEECDSA:
		if m.cfg.IdentityCertChain == nil {
			return nil, nil, newError(StatusSecurity, "no identity certificate chain configured for ECDHE_ECDSA")
		}
		return m.cfg.IdentityCertChain, nil, nil
	case suite.ECDHEPSK:
		hint := ctx.PSK.Hint
		if len(hint) == 0 {
			hint = m.cfg.PSKHint
		}
		return nil, hint, nil
	default:
		return nil, nil, nil
	}
}

// applyKeyExchangePeerMaterial consumes the peer's half of KeyExchange
// (ECDHE public key plus any suite-specific material) and derives the
// master secret. For ECDHE_ECDSA it also verifies the peer's certificate
// chain and records the subject key and issuer chain in the ECDSA
// subcontext; for ECDHE_PSK it stretches the password into key material.
func (m *Manager) applyKeyExchangePeerMaterial(ctx *AuthContext, peerECDHEPub []byte, peerCertChain [][]byte, peerPSKHint []byte, transcript []byte) error {
	if ctx.Ephemeral == nil {
		return newError(StatusSecurity, "no local ephemeral key pair")
	}
	shared, err := ctx.Ephemeral.ECDHE(peerECDHEPub)
	if err != nil {
		return newError(StatusSecurity, "ecdhe: "+err.Error())
	}
	master, err := crypto.MasterSecretFromECDHE(shared, transcript)
	if err != nil {
		return newError(StatusSecurity, "master secret derivation: "+err.Error())
	}
	ctx.SetMasterSecret(master)

	switch ctx.Suite {
	case suite.ECDHEECDSA:
		chain, err := membership.DecodeChain(peerCertChain)
		if err != nil {
			return newError(StatusInvalid, "ecdsa cert chain: "+err.Error())
		}
		verified, err := membership.VerifyChain(chain, nil, m.cfg.Authority)
		if err != nil {
			return newError(StatusSecurity, "ecdsa cert verify: "+err.Error())
		}
		ctx.ECDSA.SubjectPublicKey = verified.Leaf.RawSubjectPublicKeyInfo
		ctx.ECDSA.IssuerChain = verified.Chain
		ctx.ECDSA.ManifestDigest = verified.ManifestDigest
	case suite.ECDHEPSK:
		if m.cfg.PSKPassword == nil {
			return newError(StatusSecurity, "no PSK password callback configured")
		}
		hint := peerPSKHint
		if len(hint) == 0 {
			hint = ctx.PSK.Hint
		}
		password, err := m.cfg.PSKPassword(hint)
		if err != nil {
			return newError(StatusSecurity, "psk password callback: "+err.Error())
		}
		ctx.PSK.Hint = hint
		ctx.PSK.Key = crypto.StretchPSK(password, hint)
	}
	return nil
}

// computeVerifier produces the local KeyAuthentication verifier body for
// the negotiated suite, over the supplied transcript digest.
func (m *Manager) computeVerifier(ctx *AuthContext, transcriptDigest []byte) ([]byte, error) {
	switch ctx.Suite {
	case suite.ECDHENull:
		return nil, nil
	case suite.ECDHEPSK:
		return crypto.PSKVerifier(ctx.PSK.Key, transcriptDigest), nil
	case suite.ECDHEECDSA:
		if m.cfg.IdentityKey == nil {
			return nil, newError(StatusSecurity, "no identity key configured for ECDHE_ECDSA")
		}
		sig, err := m.cfg.IdentityKey.Sign(transcriptDigest)
		if err != nil {
			return nil, newError(StatusSecurity, "ecdsa sign: "+err.Error())
		}
		return sig, nil
	default:
		return nil, newError(StatusSecurity, "unknown suite")
	}
}

// verifyPeerVerifier checks a peer's KeyAuthentication verifier body
// against the running transcript digest for the negotiated suite.
func (m *Manager) verifyPeerVerifier(ctx *AuthContext, transcriptDigest, peerVerifier []byte) error {
	switch ctx.Suite {
	case suite.ECDHENull:
		return nil
	case suite.ECDHEPSK:
		want := crypto.PSKVerifier(ctx.PSK.Key, transcriptDigest)
		if !crypto.PSKVerifierEqual(want, peerVerifier) {
			return newError(StatusSecurity, "psk verifier mismatch")
		}
		return nil
	case suite.ECDHEECDSA:
		point, err := uncompressedECPoint(ctx.ECDSA.SubjectPublicKey)
		if err != nil {
			return newError(StatusInvalid, "ecdsa subject key: "+err.Error())
		}
		if err := crypto.Verify(point, transcriptDigest, peerVerifier); err != nil {
			return newError(StatusSecurity, "ecdsa signature verify: "+err.Error())
		}
		return nil
	default:
		return newError(StatusSecurity, "unknown suite")
	}
}
