// Package acltable implements the introspection-bound access control table
// from spec section 4.G: one row per secure member, each carrying a
// fixed-width per-peer array of four access bits (IncomingAllow,
// OutgoingAllow, IncomingDeny, OutgoingDeny), with deny always dominant
// over allow.
package acltable

import (
	"fmt"

	"github.com/wirebus/peercore/pkg/policy"
)

// MaxPeers bounds the per-row access-byte array (spec's AJ_NAME_MAP_GUID_SIZE
// analogue): the maximum number of distinct peers tracked at once.
const MaxPeers = 32

// Bit is one of the four per-peer access flags.
type Bit uint8

const (
	IncomingAllow Bit = 1 << iota
	OutgoingAllow
	IncomingDeny
	OutgoingDeny
)

// MessageID packs (list index, object index, interface index, member
// index) into a single u32, per spec section 3.
type MessageID uint32

// PackMessageID builds a MessageID from its four byte-sized components.
func PackMessageID(listIdx, objIdx, ifcIdx, memberIdx uint8) MessageID {
	return MessageID(uint32(listIdx)<<24 | uint32(objIdx)<<16 | uint32(ifcIdx)<<8 | uint32(memberIdx))
}

// Row is one access-table entry: a secure member plus its per-peer bits.
type Row struct {
	ID     MessageID
	Object string
	Iface  string
	Member string
	Type   policy.MemberType // signal, method, or property; drives 4.H's direction table
	bits   [MaxPeers]Bit
}

// Get returns the raw access bits for a peer index.
func (r *Row) Get(peerIdx int) Bit {
	if peerIdx < 0 || peerIdx >= MaxPeers {
		return 0
	}
	return r.bits[peerIdx]
}

// SetAllow ORs in an allow bit (policy application, spec 4.H).
func (r *Row) SetAllow(peerIdx int, incoming, outgoing bool) {
	if peerIdx < 0 || peerIdx >= MaxPeers {
		return
	}
	if incoming {
		r.bits[peerIdx] |= IncomingAllow
	}
	if outgoing {
		r.bits[peerIdx] |= OutgoingAllow
	}
}

// AndAllow intersects an allow bit (manifest application, spec 4.H: manifest
// intersects what policy granted rather than OR-ing).
func (r *Row) AndAllow(peerIdx int, incoming, outgoing bool) {
	if peerIdx < 0 || peerIdx >= MaxPeers {
		return
	}
	if !incoming {
		r.bits[peerIdx] &^= IncomingAllow
	}
	if !outgoing {
		r.bits[peerIdx] &^= OutgoingAllow
	}
}

// SetDeny sets both deny bits regardless of direction, for an explicit-deny
// rule match (action == 0, spec 4.H step 2).
func (r *Row) SetDeny(peerIdx int) {
	if peerIdx < 0 || peerIdx >= MaxPeers {
		return
	}
	r.bits[peerIdx] |= IncomingDeny | OutgoingDeny
}

// Admitted reports whether the given direction is admitted for this peer:
// allow set and deny absent. Deny always dominates (spec invariant 2).
func (r *Row) Admitted(peerIdx int, outgoing bool) bool {
	b := r.Get(peerIdx)
	if outgoing {
		return b&OutgoingAllow != 0 && b&OutgoingDeny == 0
	}
	return b&IncomingAllow != 0 && b&IncomingDeny == 0
}

// ObjectEntry is one member of a registered, introspectable object list fed
// to Build.
type ObjectEntry struct {
	ListIdx, ObjIdx, IfcIdx, MemberIdx uint8
	Object, Iface, Member             string
	Type                               policy.MemberType
	Secure                             bool // object has the SECURE flag, or iface starts with '$'
}

// Table is the full access control table for one bus attachment.
type Table struct {
	rows   []*Row
	byID   map[MessageID]*Row
	byName map[string]*Row // "obj|iface|member", for lookups outside the hot path
}

// Build constructs the table once from the registered object list,
// appending one row per secure member, in registration order (spec 4.G:
// order is irrelevant to correctness, but deterministic per the
// registration sequence).
func Build(entries []ObjectEntry) *Table {
	t := &Table{
		byID:   make(map[MessageID]*Row),
		byName: make(map[string]*Row),
	}
	for _, e := range entries {
		if !e.Secure {
			continue
		}
		id := PackMessageID(e.ListIdx, e.ObjIdx, e.IfcIdx, e.MemberIdx)
		row := &Row{ID: id, Object: e.Object, Iface: e.Iface, Member: e.Member, Type: e.Type}
		t.rows = append(t.rows, row)
		t.byID[id] = row
		t.byName[key(e.Object, e.Iface, e.Member)] = row
	}
	return t
}

func key(obj, iface, member string) string {
	return fmt.Sprintf("%s|%s|%s", obj, iface, member)
}

// Rows returns every row, for the applier to walk (spec 4.H).
func (t *Table) Rows() []*Row {
	return t.rows
}

// Lookup finds the row for a message id, used by the access control gate
// (spec 4.J).
func (t *Table) Lookup(id MessageID) (*Row, bool) {
	r, ok := t.byID[id]
	return r, ok
}
