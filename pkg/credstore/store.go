// Package credstore implements the credential store abstraction from spec
// section 4.E: master secrets, ECDSA identity/manifest-digest context,
// group keys, and membership certificates, all keyed by peer GUID or
// credential type, with expirations. The backend (NVRAM, a file, a
// database) is an out-of-scope external collaborator per spec section 6;
// this package defines the Store contract plus an in-memory reference
// implementation, the same split the teacher draws between fabric.Table's
// interface and its in-memory-backed concrete type.
package credstore

import (
	"errors"
	"sync"
	"time"

	"github.com/wirebus/peercore/pkg/identity"
)

// Type identifies the kind of credential a Store operation addresses,
// spec section 4.E's type list.
type Type int

const (
	GenericMasterSecret Type = iota
	GenericECDSAManifest
	GenericECDSAKeys
	Policy
	Manifest
	CertificateMbrX509
	Certificate
)

// ErrNotFound is returned when no record exists for a (type, peer) pair, or
// when the stored record's expiration is in the past (spec section 4.E:
// "Expirations past now invalidate the record").
var ErrNotFound = errors.New("credstore: not found")

// ErrCursorExhausted is returned by Next when there are no more membership
// certificate slots to iterate.
var ErrCursorExhausted = errors.New("credstore: cursor exhausted")

// Record is one stored credential blob.
type Record struct {
	Type       Type
	Peer       identity.GUID // zero value if the record isn't peer-scoped
	Expiration time.Time     // zero value means "never expires"
	Blob       []byte
}

func (r Record) expired(now time.Time) bool {
	return !r.Expiration.IsZero() && now.After(r.Expiration)
}

// Store is the credential persistence contract. Peer is the zero GUID for
// process-global records (e.g. POLICY).
type Store interface {
	Get(t Type, peer identity.GUID) (Record, error)
	Set(r Record) error
	Delete(peer identity.GUID) error
	// Next iterates membership certificates in ascending slot order,
	// starting after cursor (0 to begin); returns ErrCursorExhausted when
	// there are no more.
	Next(typeMask Type, cursor int) (slot int, rec Record, err error)
}

// MemoryStore is an in-process Store, the reference backend used in tests
// and by cmd/peerd; a real deployment backs this with NVRAM as spec section
// 6 assumes.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
	order   []recordKey // insertion order, for Next's slot iteration
	now     func() time.Time
}

type recordKey struct {
	t    Type
	peer identity.GUID
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]Record),
		now:     time.Now,
	}
}

// Get returns the record for (t, peer), or ErrNotFound if absent or
// expired. An expired record is treated the same as absent per spec 4.E,
// and is not implicitly deleted — callers that need to evict a stale
// master secret on load failure call Delete explicitly (spec section 7).
func (s *MemoryStore) Get(t Type, peer identity.GUID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey{t, peer}]
	if !ok || r.expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// Set stores or replaces a record.
func (s *MemoryStore) Set(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{r.Type, r.Peer}
	if _, exists := s.records[key]; !exists {
		s.order = append(s.order, key)
	}
	s.records[key] = r
	return nil
}

// Delete removes every record scoped to peer, across all types. Used both
// for normal peer teardown and for the stale-credential recovery path in
// spec section 7.
func (s *MemoryStore) Delete(peer identity.GUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, key := range s.order {
		if key.peer == peer {
			delete(s.records, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
	return nil
}

// Next iterates stored records matching typeMask in ascending insertion
// order, for scanning membership certificates by slot id (spec 4.E).
func (s *MemoryStore) Next(typeMask Type, cursor int) (int, Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := cursor; i < len(s.order); i++ {
		key := s.order[i]
		if key.t != typeMask {
			continue
		}
		r := s.records[key]
		if r.expired(s.now()) {
			continue
		}
		return i + 1, r, nil
	}
	return 0, Record{}, ErrCursorExhausted
}
