package acltable

import "testing"

func TestDenyDominatesAllow(t *testing.T) {
	r := &Row{}
	r.SetAllow(0, true, true)
	if !r.Admitted(0, false) || !r.Admitted(0, true) {
		t.Fatalf("expected admitted both directions before deny")
	}
	r.SetDeny(0)
	if r.Admitted(0, false) || r.Admitted(0, true) {
		t.Fatalf("deny must dominate allow regardless of direction (spec invariant 2)")
	}
}

func TestAndAllowIntersects(t *testing.T) {
	r := &Row{}
	r.SetAllow(1, true, true)
	r.AndAllow(1, true, false) // manifest grants incoming only
	if !r.Admitted(1, false) {
		t.Fatalf("expected incoming admitted")
	}
	if r.Admitted(1, true) {
		t.Fatalf("expected outgoing revoked by intersection")
	}
}

func TestBuildSkipsNonSecureEntries(t *testing.T) {
	entries := []ObjectEntry{
		{Object: "/a", Iface: "com.a", Member: "M1", Secure: true},
		{Object: "/b", Iface: "com.b", Member: "M2", Secure: false},
	}
	table := Build(entries)
	if len(table.Rows()) != 1 {
		t.Fatalf("expected 1 secure row, got %d", len(table.Rows()))
	}
}

func TestLookupByMessageID(t *testing.T) {
	entries := []ObjectEntry{
		{ListIdx: 0, ObjIdx: 1, IfcIdx: 2, MemberIdx: 3, Object: "/a", Iface: "com.a", Member: "M", Secure: true},
	}
	table := Build(entries)
	id := PackMessageID(0, 1, 2, 3)
	row, ok := table.Lookup(id)
	if !ok || row.Member != "M" {
		t.Fatalf("lookup failed: %+v ok=%v", row, ok)
	}
}
