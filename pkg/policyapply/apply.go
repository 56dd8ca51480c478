// Package policyapply implements the policy/manifest applier from spec
// section 4.H: for a rule-list and a peer index, walk the access table and
// OR (policy) or AND (manifest) the resulting allow bits, honoring explicit
// denies and wildcard path matching. Directly grounded on the
// fabric/authmode/subject/target match ordering the teacher's ACL checker
// uses, remapped onto peer-type/object/interface/member matching.
package policyapply

import (
	"strings"

	"github.com/wirebus/peercore/pkg/acltable"
	"github.com/wirebus/peercore/pkg/policy"
)

// PeerContext carries what's known about the authenticated counterparty at
// application time, enough to evaluate a PermissionPeer (spec 4.H step 3).
type PeerContext struct {
	Index int // slot in the access table's per-peer arrays

	SuiteIsNull      bool   // true only for ECDHE_NULL; AnyTrusted requires false
	IssuerPublicKey  []byte // set for ECDHE_ECDSA peers
	SubjectPublicKey []byte
	// MembershipGroups lists group GUIDs the peer has presented a valid
	// membership cert chain for. Per the open question resolved in
	// DESIGN.md, WithMembership only ever matches once these are
	// populated (after SendMemberships), never earlier.
	MembershipGroups [][]byte

	// StoredIssuer/StoredSubject are the locally configured trust anchors
	// an ACL's FromCA/WithPublicKey peer entries are compared against.
	StoredIssuer  []byte
	StoredSubject []byte
}

// CommonPath implements spec section 8 testable property 7: prefix
// equality up to an optional trailing '*', or whole-string equality.
// CommonPath("*", x) is always true; CommonPath("foo/*", "foo/bar") is
// true; CommonPath("foo", "foobar") is false.
func CommonPath(pattern, candidate string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(candidate, prefix)
	}
	return pattern == candidate
}

// incomingAllowed and outgoingAllowed implement spec 4.H's per-message-class effective
// direction: which Action bits imply incoming/outgoing admission for each
// member type.
func incomingAllowed(memberType policy.MemberType, action policy.Action) bool {
	switch memberType {
	case policy.MemberSignal:
		return action&policy.ActionProvide != 0
	case policy.MemberMethod:
		return action&policy.ActionModify != 0
	case policy.MemberProperty:
		return action&(policy.ActionObserve|policy.ActionModify) != 0
	default:
		return false
	}
}

func outgoingAllowed(memberType policy.MemberType, action policy.Action) bool {
	switch memberType {
	case policy.MemberSignal:
		return action&policy.ActionObserve != 0
	case policy.MemberMethod:
		return action&policy.ActionProvide != 0
	case policy.MemberProperty:
		return action&policy.ActionProvide != 0
	default:
		return false
	}
}

// MatchPeer evaluates one PermissionPeer against a peer context (spec 4.H
// step 3).
func MatchPeer(p policy.PermissionPeer, ctx PeerContext) bool {
	switch p.Type {
	case policy.PeerAll:
		return true
	case policy.PeerAnyTrusted:
		return !ctx.SuiteIsNull
	case policy.PeerFromCA:
		return bytesEqual(ctx.StoredIssuer, p.PublicKey)
	case policy.PeerWithPublicKey:
		return bytesEqual(ctx.StoredSubject, p.PublicKey)
	case policy.PeerWithMembership:
		for _, g := range ctx.MembershipGroups {
			if bytesEqual(g, p.GroupGUID) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ruleMatchesRow applies one rule's member list against one access-table
// row, returning whether an explicit deny applies and, if not, whether
// incoming/outgoing are granted.
func ruleMatchesRow(rule policy.Rule, row *acltable.Row) (deny, incoming, outgoing bool) {
	if !CommonPath(rule.ObjPattern, row.Object) || !CommonPath(rule.IfcPattern, row.Iface) {
		return false, false, false
	}
	for _, m := range rule.Members {
		if m.Type != policy.MemberAny && m.Type != row.Type {
			continue
		}
		if !CommonPath(m.NamePattern, row.Member) {
			continue
		}
		if m.Action == 0 {
			return true, false, false
		}
		if incomingAllowed(row.Type, m.Action) {
			incoming = true
		}
		if outgoingAllowed(row.Type, m.Action) {
			outgoing = true
		}
	}
	return false, incoming, outgoing
}

// ApplyPolicy walks every ACL in p whose peer set matches ctx and ORs the
// resulting allow bits into table (spec 4.H step 2, policy branch).
func ApplyPolicy(table *acltable.Table, p *policy.Policy, ctx PeerContext) {
	for _, acl := range p.ACLs {
		if !aclAdmits(acl, ctx) {
			continue
		}
		for _, row := range table.Rows() {
			for _, rule := range acl.Rules {
				deny, incoming, outgoing := ruleMatchesRow(rule, row)
				if deny {
					row.SetDeny(ctx.Index)
					continue
				}
				if incoming || outgoing {
					row.SetAllow(ctx.Index, incoming, outgoing)
				}
			}
		}
	}
}

// ApplyManifest intersects a peer's presented manifest with what policy
// already granted it (spec 4.H step 2, manifest branch: AND rather than
// OR). Applying the same manifest twice is idempotent because AND with an
// unchanged mask is a no-op (testable property 6).
func ApplyManifest(table *acltable.Table, m *policy.Manifest, ctx PeerContext) {
	for _, row := range table.Rows() {
		incoming, outgoing := false, false
		denied := false
		for _, rule := range m.Rules {
			deny, in, out := ruleMatchesRow(rule, row)
			if deny {
				denied = true
				continue
			}
			incoming = incoming || in
			outgoing = outgoing || out
		}
		if denied {
			row.SetDeny(ctx.Index)
		}
		row.AndAllow(ctx.Index, incoming, outgoing)
	}
}

// aclAdmits reports whether any peer entry in the ACL matches ctx.
func aclAdmits(acl policy.ACL, ctx PeerContext) bool {
	for _, p := range acl.Peers {
		if MatchPeer(p, ctx) {
			return true
		}
	}
	return false
}

// BootstrapRules returns the minimal rule set granted when no stored policy
// is found at post-handshake time (spec 4.H step 4): SecurityGetProperty,
// the ECCPublicKey and ManifestTemplate properties, and Claim.
func BootstrapRules() []policy.Rule {
	return []policy.Rule{
		{
			ObjPattern: "*",
			IfcPattern: "org.bus.Security",
			Members: []policy.Member{
				{NamePattern: "SecurityGetProperty", Type: policy.MemberMethod, Action: policy.ActionProvide},
				{NamePattern: "ECCPublicKey", Type: policy.MemberProperty, Action: policy.ActionObserve},
				{NamePattern: "ManifestTemplate", Type: policy.MemberProperty, Action: policy.ActionObserve},
				{NamePattern: "Claim", Type: policy.MemberMethod, Action: policy.ActionProvide},
			},
		},
	}
}
