package identity

import "testing"

func TestInstallAndLookup(t *testing.T) {
	m := NewNameMap()
	guid := GUID{1, 2, 3}
	e1 := m.Install(PeerIdentity{GUID: guid, UniqueName: ":1.42"})

	id, ok := m.Lookup(guid)
	if !ok || id.UniqueName != ":1.42" {
		t.Fatalf("lookup failed: %+v ok=%v", id, ok)
	}

	resolved, err := m.LookupByName(":1.42")
	if err != nil || resolved != guid {
		t.Fatalf("lookup by name failed: %v %v", resolved, err)
	}

	if m.Epoch() != e1 {
		t.Fatalf("epoch mismatch")
	}
}

func TestRemoveBumpsEpochAndClearsMapping(t *testing.T) {
	m := NewNameMap()
	guid := GUID{9}
	m.Install(PeerIdentity{GUID: guid, UniqueName: ":1.7"})
	before := m.Epoch()

	after := m.Remove(guid)
	if after <= before {
		t.Fatalf("epoch must advance on removal")
	}
	if _, err := m.LookupByName(":1.7"); err != ErrUnknownPeer {
		t.Fatalf("expected unknown peer after removal, got %v", err)
	}
}

func TestZeroGUIDIsPeerDisappeared(t *testing.T) {
	var g GUID
	if !g.IsZero() {
		t.Fatalf("zero-value GUID should report IsZero")
	}
}
