package membership

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func makeCert(t *testing.T, tmpl *x509.Certificate, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := parentKey
	signerTmpl := parent
	if signer == nil {
		signer = key
		signerTmpl = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerTmpl, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key
}

func TestVerifyChainAcceptsTrustedRoot(t *testing.T) {
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	root, rootKey := makeCert(t, rootTmpl, nil, nil)

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leaf, _ := makeCert(t, leafTmpl, root, rootKey)

	chain := []*x509.Certificate{leaf, root}
	authority := func(r *x509.Certificate) bool { return r.SerialNumber.Cmp(big.NewInt(1)) == 0 }

	id, err := VerifyChain(chain, leaf.RawSubjectPublicKeyInfo, authority)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if id.Leaf.Subject.CommonName != "leaf" {
		t.Fatalf("unexpected leaf: %+v", id.Leaf.Subject)
	}
}

func TestVerifyChainRejectsUntrustedRoot(t *testing.T) {
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	root, rootKey := makeCert(t, rootTmpl, nil, nil)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leaf, _ := makeCert(t, leafTmpl, root, rootKey)

	chain := []*x509.Certificate{leaf, root}
	neverTrust := func(*x509.Certificate) bool { return false }

	if _, err := VerifyChain(chain, leaf.RawSubjectPublicKeyInfo, neverTrust); err != ErrUntrustedRoot {
		t.Fatalf("expected ErrUntrustedRoot, got %v", err)
	}
}

func TestVerifyChainRejectsSubjectMismatch(t *testing.T) {
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	root, rootKey := makeCert(t, rootTmpl, nil, nil)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leaf, _ := makeCert(t, leafTmpl, root, rootKey)

	chain := []*x509.Certificate{leaf, root}
	authority := func(*x509.Certificate) bool { return true }

	if _, err := VerifyChain(chain, []byte("not the real subject key"), authority); err != ErrSubjectMismatch {
		t.Fatalf("expected ErrSubjectMismatch, got %v", err)
	}
}

func TestDecodeChainRejectsEmpty(t *testing.T) {
	if _, err := DecodeChain(nil); err != ErrChainEmpty {
		t.Fatalf("expected ErrChainEmpty, got %v", err)
	}
}

// TestVerifyChainExtractsGroupDistinctFromSubjectKey guards against the
// group extension being confused with the subject public key check
// performed just above it: a membership certificate's group identifier is
// an administrator-assigned 16-byte value unrelated in form to the ~91-byte
// DER SubjectPublicKeyInfo the leaf's subject check compares.
func TestVerifyChainExtractsGroupDistinctFromSubjectKey(t *testing.T) {
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	root, rootKey := makeCert(t, rootTmpl, nil, nil)

	group := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "member"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: groupOID, Value: group},
		},
	}
	leaf, _ := makeCert(t, leafTmpl, root, rootKey)

	chain := []*x509.Certificate{leaf, root}
	authority := func(r *x509.Certificate) bool { return r.SerialNumber.Cmp(big.NewInt(1)) == 0 }

	id, err := VerifyChain(chain, leaf.RawSubjectPublicKeyInfo, authority)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !bytes.Equal(id.Group, group) {
		t.Fatalf("expected Group %x, got %x", group, id.Group)
	}
	if bytes.Equal(id.Group, id.Leaf.RawSubjectPublicKeyInfo) {
		t.Fatalf("Group must not alias the subject public key")
	}
}

// TestVerifyChainGroupAbsentWithoutExtension confirms a certificate with no
// group extension (e.g. a plain ECDHE_ECDSA identity cert run through the
// same verifier) yields a nil Group rather than falling back to the
// subject key.
func TestVerifyChainGroupAbsentWithoutExtension(t *testing.T) {
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	root, rootKey := makeCert(t, rootTmpl, nil, nil)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leaf, _ := makeCert(t, leafTmpl, root, rootKey)

	chain := []*x509.Certificate{leaf, root}
	authority := func(*x509.Certificate) bool { return true }

	id, err := VerifyChain(chain, leaf.RawSubjectPublicKeyInfo, authority)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if id.Group != nil {
		t.Fatalf("expected nil Group without a group extension, got %x", id.Group)
	}
}

func TestCheckManifestDigestAcceptsMatch(t *testing.T) {
	digest := []byte("0123456789abcdef0123456789abcdef")
	id := &VerifiedIdentity{ManifestDigest: digest}
	if err := CheckManifestDigest(id, digest); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
}

func TestCheckManifestDigestRejectsMismatch(t *testing.T) {
	id := &VerifiedIdentity{ManifestDigest: []byte("expected-digest")}
	if err := CheckManifestDigest(id, []byte("different-digest")); err != ErrManifestDigestMismatch {
		t.Fatalf("expected ErrManifestDigestMismatch, got %v", err)
	}
}

func TestCheckManifestDigestRejectsAbsentExtension(t *testing.T) {
	id := &VerifiedIdentity{}
	if err := CheckManifestDigest(id, []byte("computed-digest")); err != ErrManifestDigestMismatch {
		t.Fatalf("expected ErrManifestDigestMismatch, got %v", err)
	}
}
