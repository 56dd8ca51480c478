package credstore

import (
	"testing"
	"time"

	"github.com/wirebus/peercore/pkg/identity"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	peer := identity.GUID{1}
	rec := Record{Type: GenericMasterSecret, Peer: peer, Blob: []byte("secret")}
	if err := s.Set(rec); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(GenericMasterSecret, peer)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Blob) != "secret" {
		t.Fatalf("got %q", got.Blob)
	}
}

func TestExpiredRecordNotFound(t *testing.T) {
	s := NewMemoryStore()
	s.now = func() time.Time { return time.Unix(1000, 0) }
	peer := identity.GUID{2}
	s.Set(Record{Type: Policy, Peer: peer, Expiration: time.Unix(500, 0), Blob: []byte("x")})

	if _, err := s.Get(Policy, peer); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for expired record, got %v", err)
	}
}

func TestDeleteClearsAllTypesForPeer(t *testing.T) {
	s := NewMemoryStore()
	peer := identity.GUID{3}
	s.Set(Record{Type: GenericMasterSecret, Peer: peer, Blob: []byte("a")})
	s.Set(Record{Type: GenericECDSAKeys, Peer: peer, Blob: []byte("b")})
	s.Set(Record{Type: GenericMasterSecret, Peer: identity.GUID{4}, Blob: []byte("c")})

	if err := s.Delete(peer); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(GenericMasterSecret, peer); err != ErrNotFound {
		t.Fatalf("expected deleted record to be gone")
	}
	if _, err := s.Get(GenericMasterSecret, identity.GUID{4}); err != nil {
		t.Fatalf("unrelated peer's record should survive: %v", err)
	}
}

func TestNextIteratesBySlot(t *testing.T) {
	s := NewMemoryStore()
	s.Set(Record{Type: Certificate, Peer: identity.GUID{1}, Blob: []byte("cert1")})
	s.Set(Record{Type: Certificate, Peer: identity.GUID{2}, Blob: []byte("cert2")})
	s.Set(Record{Type: GenericMasterSecret, Peer: identity.GUID{3}, Blob: []byte("ignored")})

	cursor := 0
	var blobs []string
	for {
		next, rec, err := s.Next(Certificate, cursor)
		if err == ErrCursorExhausted {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		blobs = append(blobs, string(rec.Blob))
		cursor = next
	}
	if len(blobs) != 2 || blobs[0] != "cert1" || blobs[1] != "cert2" {
		t.Fatalf("got %v", blobs)
	}
}
