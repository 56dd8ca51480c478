package convhash

import "testing"

func TestUpdateRequiresV4ForWholeMessages(t *testing.T) {
	h := New(VersionLegacy)
	h.Update([]byte("whole message"), Marshaled, false)
	sumLegacy := h.Sum()

	h2 := New(VersionFour)
	h2.Update([]byte("whole message"), Marshaled, false)
	sumV4 := h2.Sum()

	if string(sumLegacy) == string(sumV4) {
		t.Fatalf("v1 must not absorb non-legacy fields, so sums should differ")
	}

	empty := New(VersionLegacy).Sum()
	if string(sumLegacy) != string(empty) {
		t.Fatalf("v1 hash should be unaffected by a non-legacy update")
	}
}

func TestCheckpointRollback(t *testing.T) {
	h := New(VersionFour)
	h.Update([]byte("known-good prefix"), Marshaled, false)
	h.Checkpoint()
	h.Update([]byte("provisional guids payload"), Marshaled, false)

	before := h.Sum()
	h.Rollback()
	after := h.Sum()

	if string(before) == string(after) {
		t.Fatalf("rollback should undo the provisional update")
	}

	fresh := New(VersionFour)
	fresh.Update([]byte("known-good prefix"), Marshaled, false)
	if string(fresh.Sum()) != string(after) {
		t.Fatalf("rollback should restore exactly the checkpointed state")
	}
}

func TestSetVersionDowngradeResets(t *testing.T) {
	h := New(VersionFour)
	h.Update([]byte("v4 only data"), Marshaled, false)
	h.SetVersion(VersionLegacy)

	if string(h.Sum()) != string(New(VersionLegacy).Sum()) {
		t.Fatalf("downgrading below v4 must reset the hash so earlier v4 material doesn't leak")
	}
}
