// Package policy implements the Policy/ACL/Rule/Member/Manifest object
// model from spec section 3 and its deterministic marshal/unmarshal from
// spec section 4.F. Per the design note in spec section 9, the graphs are
// owned slices built in insertion order rather than the original's
// head-grown linked lists; bit-ORing during application is commutative so
// the list order never affects the access bits produced.
package policy

// MemberType classifies a Rule's member entry.
type MemberType uint8

const (
	MemberAny MemberType = iota
	MemberSignal
	MemberMethod
	MemberProperty
)

// Action is a bitset of capabilities a Rule grants for a matching member.
// A zero Action is the explicit-deny sentinel from spec section 3.
type Action uint8

const (
	ActionProvide Action = 1 << iota
	ActionObserve
	ActionModify
)

// Member is one entry in a Rule's member list.
type Member struct {
	NamePattern string
	Type        MemberType
	Action      Action
}

// Rule is an object/interface pattern plus the members it grants or denies
// access to.
type Rule struct {
	ObjPattern string
	IfcPattern string
	Members    []Member
}

// PeerType classifies a PermissionPeer entry within an ACL.
type PeerType uint8

const (
	PeerAll PeerType = iota
	PeerAnyTrusted
	PeerFromCA
	PeerWithPublicKey
	PeerWithMembership
)

// PermissionPeer is one admission criterion within an ACL's peer set.
type PermissionPeer struct {
	Type PeerType
	// PublicKey is present only for PeerFromCA/PeerWithPublicKey.
	PublicKey []byte
	// GroupGUID is present only for PeerWithMembership.
	GroupGUID []byte
}

// ACL is a (peer-set, rule-set) pair: if any peer entry matches the
// authenticated counterparty, the whole rule-set is admitted.
type ACL struct {
	Peers []PermissionPeer
	Rules []Rule
}

// Policy is the versioned root object exchanged during SendManifest-
// adjacent policy distribution (spec section 3).
type Policy struct {
	Specification uint16
	Version       uint32
	ACLs          []ACL
}

// Manifest is the capability set a peer's identity commits to: a rule list
// with no peer set and no version header of its own (spec section 3).
type Manifest struct {
	Rules []Rule
}

// Clone returns a deep copy, used before mutating an applied manifest/policy
// so the credential-store-backed original is never aliased by a live
// in-memory application result.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	out := &Policy{Specification: p.Specification, Version: p.Version}
	out.ACLs = make([]ACL, len(p.ACLs))
	for i, a := range p.ACLs {
		out.ACLs[i] = a.clone()
	}
	return out
}

func (a ACL) clone() ACL {
	out := ACL{}
	out.Peers = append([]PermissionPeer(nil), a.Peers...)
	out.Rules = make([]Rule, len(a.Rules))
	for i, r := range a.Rules {
		out.Rules[i] = r.clone()
	}
	return out
}

func (r Rule) clone() Rule {
	return Rule{
		ObjPattern: r.ObjPattern,
		IfcPattern: r.IfcPattern,
		Members:    append([]Member(nil), r.Members...),
	}
}

// Clone returns a deep copy of a Manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := &Manifest{Rules: make([]Rule, len(m.Rules))}
	for i, r := range m.Rules {
		out.Rules[i] = r.clone()
	}
	return out
}
