// Package replytable implements the reply context table from spec section
// 4.K: a fixed-size array of outstanding method calls, each holding the
// caller's serial, the expected reply-sender unique name, and a deadline.
// Grounded on session.Table's linear-scan allocate/lookup pattern and
// exchange.ExchangeContext's one-pending-operation-per-slot discipline.
package replytable

import (
	"errors"
	"sync"
	"time"
)

// DefaultSlots is the table size from spec section 4.K ("e.g., 8 slots").
const DefaultSlots = 8

// ErrTableFull is returned when no free slot is available.
var ErrTableFull = errors.New("replytable: table full")

// ErrNoMatch is returned by Match when no reserved slot corresponds to the
// given reply serial, or when the reply's sender fails the unique-name
// binding check (testable property 8).
var ErrNoMatch = errors.New("replytable: no match")

// Slot is one outstanding method-call reservation.
type Slot struct {
	Serial         uint32
	MessageID      uint32
	PeerUniqueName string
	Deadline       time.Time
	inUse          bool
}

// Table is a fixed-capacity reply context table, single-owner per spec
// section 5 (no locking required if dispatch is single-threaded; this
// implementation still takes a mutex so a multi-threaded dispatcher can use
// it directly, matching the teacher's session.Table choice to guard with
// sync.RWMutex even though Matter's own dispatch is serialized per session).
type Table struct {
	mu    sync.Mutex
	slots []Slot
	now   func() time.Time
}

// New creates a reply context table with the given slot count (0 uses
// DefaultSlots).
func New(n int) *Table {
	if n <= 0 {
		n = DefaultSlots
	}
	return &Table{slots: make([]Slot, n), now: time.Now}
}

// Reserve allocates a free slot for an outbound method call, capturing the
// peer's unique name at send time and a deadline of now+timeout.
func (t *Table) Reserve(serial, messageID uint32, peerUniqueName string, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if !t.slots[i].inUse {
			t.slots[i] = Slot{
				Serial:         serial,
				MessageID:      messageID,
				PeerUniqueName: peerUniqueName,
				Deadline:       t.now().Add(timeout),
				inUse:          true,
			}
			return nil
		}
	}
	return ErrTableFull
}

// Match looks up the slot for replySerial and, if the reply is encrypted,
// verifies the sender matches the unique name captured at reserve time
// (spec section 4.K / testable property 8). On success the slot is
// cleared so its serial can be reused.
func (t *Table) Match(replySerial uint32, sender string, encrypted bool) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := t.slots[i]
		if !s.inUse || s.Serial != replySerial {
			continue
		}
		if encrypted && sender != s.PeerUniqueName {
			return Slot{}, ErrNoMatch
		}
		t.slots[i] = Slot{}
		return s, nil
	}
	return Slot{}, ErrNoMatch
}

// Sweep returns and clears one slot whose deadline has passed, per call.
// It emits no reply itself; the caller builds the timeout reply of spec
// section 4.K from the returned Slot. Returns (Slot{}, false) if nothing is
// expired.
func (t *Table) Sweep() (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := range t.slots {
		if t.slots[i].inUse && now.After(t.slots[i].Deadline) {
			expired := t.slots[i]
			t.slots[i] = Slot{}
			return expired, true
		}
	}
	return Slot{}, false
}
