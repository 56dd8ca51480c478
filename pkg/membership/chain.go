// Package membership implements spec section 4.L: decoding a received
// DER-encoded X.509 certificate chain, binding the leaf's subject public
// key to the identity context established during KeyExchange, and
// verifying the root against an authority-lookup hook. The hook is the only
// trust check: the root is not compared against any stored authorities.
//
// spec.md calls for X.509 specifically (not the teacher's Matter-TLV
// certificate codec), so this package is grounded on stdlib crypto/x509
// rather than adapted from credentials/certificate.go's TLV walk — see
// DESIGN.md for why that deviation is required, not a convenience.
package membership

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

// ErrChainEmpty is returned for a zero-length chain.
var ErrChainEmpty = errors.New("membership: empty certificate chain")

// ErrSubjectMismatch is returned when the leaf certificate's subject public
// key does not equal the identity context's expected subject (set during
// KeyExchange).
var ErrSubjectMismatch = errors.New("membership: leaf subject key mismatch")

// ErrUntrustedRoot is returned when the authority hook is nil or does not
// accept the chain's root.
var ErrUntrustedRoot = errors.New("membership: untrusted root")

// ErrManifestDigestMismatch is returned when a SendManifest digest doesn't
// match the certificate's manifest-digest extension. Per the DESIGN.md
// decision on this spec open question, this is a hard rejection, not a
// silent skip.
var ErrManifestDigestMismatch = errors.New("membership: manifest digest mismatch")

// AuthorityLookup resolves whether a root certificate is trusted, the
// policy-supplied hook from spec section 4.L.
type AuthorityLookup func(root *x509.Certificate) bool

// VerifiedIdentity is the result of a successful chain verification.
type VerifiedIdentity struct {
	Leaf           *x509.Certificate
	Chain          []*x509.Certificate
	ManifestDigest []byte // from the leaf's manifest-digest extension, if present
	// Group is the membership group identifier from the leaf's group
	// extension, if present. Distinct from the subject public key: the
	// subject key is the identity the membership cert is bound to (checked
	// against expectedSubject below), Group is which group that identity
	// was admitted to, mirroring the original's separate
	// certificate.tbs.extensions.group field.
	Group []byte
}

// DecodeChain parses a sequence of DER-encoded certificates, leaf first.
func DecodeChain(der [][]byte) ([]*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, ErrChainEmpty
	}
	chain := make([]*x509.Certificate, 0, len(der))
	for i, d := range der {
		cert, err := x509.ParseCertificate(d)
		if err != nil {
			return nil, fmt.Errorf("membership: parse certificate %d: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// VerifyChain implements spec 4.L: when expectedSubject is non-nil, the
// leaf's subject public key must equal it (DER SubjectPublicKeyInfo bytes
// captured during KeyExchange); a nil expectedSubject skips that check. The
// root must be accepted by authority; a nil authority, or one that returns
// false, yields ErrUntrustedRoot, with no second check against stored
// authorities.
func VerifyChain(chain []*x509.Certificate, expectedSubject []byte, authority AuthorityLookup) (*VerifiedIdentity, error) {
	if len(chain) == 0 {
		return nil, ErrChainEmpty
	}
	leaf := chain[0]
	if expectedSubject != nil && !bytes.Equal(leaf.RawSubjectPublicKeyInfo, expectedSubject) {
		return nil, ErrSubjectMismatch
	}

	root := chain[len(chain)-1]
	if authority == nil || !authority(root) {
		return nil, ErrUntrustedRoot
	}

	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return nil, fmt.Errorf("membership: chain signature check failed at %d: %w", i, err)
		}
	}

	return &VerifiedIdentity{
		Leaf:           leaf,
		Chain:          chain,
		ManifestDigest: extractManifestDigest(leaf),
		Group:          extractGroup(leaf),
	}, nil
}

// manifestDigestOID is a private-enterprise extension OID carrying the
// SHA-256 digest of the identity's committed manifest, bound at
// SendManifest time (spec section 3/4.L).
var manifestDigestOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 1}

// groupOID is a private-enterprise extension OID carrying the membership
// group identifier a membership certificate admits its subject to, the
// analogue of the original's certificate.tbs.extensions.group field.
var groupOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 44924, 1, 2}

func extractManifestDigest(leaf *x509.Certificate) []byte {
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(manifestDigestOID) {
			return ext.Value
		}
	}
	return nil
}

// extractGroup returns the membership group identifier from the leaf's
// group extension, or nil if the certificate carries none (an identity
// certificate used for ECDHE_ECDSA rather than a membership certificate,
// for instance).
func extractGroup(leaf *x509.Certificate) []byte {
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(groupOID) {
			return ext.Value
		}
	}
	return nil
}

// CheckManifestDigest compares a freshly computed manifest digest against
// the one bound into the certificate, per spec section 3's "digest binding
// between an identity certificate and its manifest".
func CheckManifestDigest(id *VerifiedIdentity, computed []byte) error {
	if id.ManifestDigest == nil || !bytes.Equal(id.ManifestDigest, computed) {
		return ErrManifestDigestMismatch
	}
	return nil
}
