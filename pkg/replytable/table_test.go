package replytable

import (
	"testing"
	"time"
)

func TestReserveAndMatch(t *testing.T) {
	tbl := New(2)
	if err := tbl.Reserve(1, 100, ":1.5", time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	slot, err := tbl.Match(1, ":1.5", true)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if slot.MessageID != 100 {
		t.Fatalf("got message id %d", slot.MessageID)
	}

	if _, err := tbl.Match(1, ":1.5", true); err != ErrNoMatch {
		t.Fatalf("expected no match after slot cleared, got %v", err)
	}
}

func TestMatchRejectsWrongSenderWhenEncrypted(t *testing.T) {
	tbl := New(1)
	tbl.Reserve(7, 1, ":1.9", time.Minute)
	if _, err := tbl.Match(7, ":1.99", true); err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch for sender mismatch on encrypted reply (testable property 8), got %v", err)
	}
}

func TestMatchAllowsAnySenderWhenUnencrypted(t *testing.T) {
	tbl := New(1)
	tbl.Reserve(7, 1, ":1.9", time.Minute)
	if _, err := tbl.Match(7, ":1.99", false); err != nil {
		t.Fatalf("unencrypted replies should not enforce sender binding: %v", err)
	}
}

func TestTableFullWhenNoSlotsFree(t *testing.T) {
	tbl := New(1)
	if err := tbl.Reserve(1, 1, ":1.1", time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tbl.Reserve(2, 1, ":1.1", time.Minute); err != ErrTableFull {
		t.Fatalf("expected ErrTableFull, got %v", err)
	}
}

func TestSweepReturnsExpiredSlot(t *testing.T) {
	tbl := New(1)
	fixed := time.Unix(1000, 0)
	tbl.now = func() time.Time { return fixed }
	tbl.Reserve(1, 1, ":1.1", time.Second)

	if _, ok := tbl.Sweep(); ok {
		t.Fatalf("should not be expired yet")
	}

	tbl.now = func() time.Time { return fixed.Add(2 * time.Second) }
	slot, ok := tbl.Sweep()
	if !ok || slot.Serial != 1 {
		t.Fatalf("expected expired slot, got %+v ok=%v", slot, ok)
	}

	if err := tbl.Reserve(2, 1, ":1.1", time.Second); err != nil {
		t.Fatalf("slot should be free for reuse after sweep: %v", err)
	}
}
