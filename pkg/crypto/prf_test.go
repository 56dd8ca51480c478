package crypto

import (
	"bytes"
	"testing"
)

func TestPRFSHA256Deterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 48)
	nonceA := []byte("0011223344556677889900aabbccdd")
	nonceB := []byte("ffeeddccbbaa99887766554433221100")

	key1, ver1, err := PRFSHA256(master, "session key", nonceA, nonceB)
	if err != nil {
		t.Fatalf("prf: %v", err)
	}
	key2, ver2, err := PRFSHA256(master, "session key", nonceA, nonceB)
	if err != nil {
		t.Fatalf("prf: %v", err)
	}
	if key1 != key2 || ver1 != ver2 {
		t.Fatalf("prf is not deterministic for identical inputs")
	}
}

func TestPRFSHA256NonceSwapChangesVerifier(t *testing.T) {
	master := bytes.Repeat([]byte{0x7}, 48)
	nonceA := []byte("initiator-nonce")
	nonceB := []byte("responder-nonce")

	_, verAB, err := PRFSHA256(master, "session key", nonceA, nonceB)
	if err != nil {
		t.Fatalf("prf: %v", err)
	}
	_, verBA, err := PRFSHA256(master, "session key", nonceB, nonceA)
	if err != nil {
		t.Fatalf("prf: %v", err)
	}
	if verAB == verBA {
		t.Fatalf("swapping nonces must change the verifier (spec invariant 4)")
	}
}

func TestPRFSHA256RejectsEmptyMasterSecret(t *testing.T) {
	if _, _, err := PRFSHA256(nil, "session key", []byte("a"), []byte("b")); err == nil {
		t.Fatalf("expected error for empty master secret")
	}
}

func TestStretchPSKDependsOnHint(t *testing.T) {
	pw := []byte("1234")
	k1 := StretchPSK(pw, []byte("hint-a"))
	k2 := StretchPSK(pw, []byte("hint-b"))
	if bytes.Equal(k1, k2) {
		t.Fatalf("different hints must yield different stretched PSKs")
	}
}

func TestECDHERoundTrip(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}

	secretA, err := a.ECDHE(b.PublicKeyUncompressed())
	if err != nil {
		t.Fatalf("ecdhe a: %v", err)
	}
	secretB, err := b.ECDHE(a.PublicKeyUncompressed())
	if err != nil {
		t.Fatalf("ecdhe b: %v", err)
	}
	if !bytes.Equal(secretA, secretB) {
		t.Fatalf("ecdhe shared secrets must match")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := TranscriptDigest([]byte("some transcript bytes"))
	sig, err := kp.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(kp.PublicKeyUncompressed(), digest, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := TranscriptDigest([]byte("different transcript bytes"))
	if err := Verify(kp.PublicKeyUncompressed(), tampered, sig); err == nil {
		t.Fatalf("verify should fail for tampered transcript (spec invariant 5)")
	}
}
