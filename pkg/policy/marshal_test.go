package policy

import (
	"math/rand"
	"reflect"
	"testing"
)

func samplePolicy() *Policy {
	return &Policy{
		Specification: 1,
		Version:       7,
		ACLs: []ACL{
			{
				Peers: []PermissionPeer{
					{Type: PeerAll},
					{Type: PeerWithPublicKey, PublicKey: []byte{1, 2, 3, 4}},
				},
				Rules: []Rule{
					{
						ObjPattern: "/org/example/*",
						IfcPattern: "org.example.Interface",
						Members: []Member{
							{NamePattern: "*", Type: MemberMethod, Action: ActionProvide | ActionModify},
							{NamePattern: "Denied", Type: MemberSignal, Action: 0},
						},
					},
				},
			},
		},
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	p := samplePolicy()
	data := MarshalPolicy(p)
	got, err := UnmarshalPolicy(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(p, got) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, p)
	}
}

func TestPolicyMarshalByteStable(t *testing.T) {
	p := samplePolicy()
	a := MarshalPolicy(p)
	b := MarshalPolicy(p)
	if string(a) != string(b) {
		t.Fatalf("marshal output must be byte-stable across runs with identical input")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := &Manifest{
		Rules: []Rule{
			{ObjPattern: "/a", IfcPattern: "com.example.A", Members: []Member{
				{NamePattern: "Prop", Type: MemberProperty, Action: ActionObserve},
			}},
		},
	}
	data := MarshalManifest(m)
	got, err := UnmarshalManifest(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(m, got) {
		t.Fatalf("round trip mismatch: got=%+v want=%+v", got, m)
	}
}

func TestUnmarshalTruncatedInputIsInvalid(t *testing.T) {
	p := samplePolicy()
	data := MarshalPolicy(p)
	if _, err := UnmarshalPolicy(data[:len(data)-1]); err == nil {
		t.Fatalf("expected truncated input to be rejected")
	}
}

// TestPolicyRoundTripFuzz implements spec section 8 scenario 6: for many
// randomly generated policies, unmarshal(marshal(p)) == p.
func TestPolicyRoundTripFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		p := randomPolicy(rng)
		data := MarshalPolicy(p)
		got, err := UnmarshalPolicy(data)
		if err != nil {
			t.Fatalf("iteration %d: unmarshal failed: %v", i, err)
		}
		if !reflect.DeepEqual(p, got) {
			t.Fatalf("iteration %d: round trip mismatch:\n got=%+v\nwant=%+v", i, got, p)
		}
	}
}

func randomPolicy(rng *rand.Rand) *Policy {
	p := &Policy{
		Specification: uint16(rng.Intn(4)),
		Version:       rng.Uint32(),
	}
	numACLs := rng.Intn(4)
	for i := 0; i < numACLs; i++ {
		p.ACLs = append(p.ACLs, randomACL(rng))
	}
	return p
}

func randomACL(rng *rand.Rand) ACL {
	a := ACL{}
	numPeers := rng.Intn(3)
	for i := 0; i < numPeers; i++ {
		a.Peers = append(a.Peers, randomPeer(rng))
	}
	numRules := rng.Intn(3)
	for i := 0; i < numRules; i++ {
		a.Rules = append(a.Rules, randomRule(rng))
	}
	return a
}

func randomPeer(rng *rand.Rand) PermissionPeer {
	typ := PeerType(rng.Intn(5))
	p := PermissionPeer{Type: typ}
	switch typ {
	case PeerFromCA, PeerWithPublicKey:
		p.PublicKey = randomBytes(rng, 65)
	case PeerWithMembership:
		p.GroupGUID = randomBytes(rng, 16)
	}
	return p
}

func randomRule(rng *rand.Rand) Rule {
	r := Rule{
		ObjPattern: randomPathPattern(rng),
		IfcPattern: randomPathPattern(rng),
	}
	numMembers := rng.Intn(4)
	for i := 0; i < numMembers; i++ {
		action := Action(0)
		if rng.Intn(4) != 0 { // occasionally produce an explicit deny (action 0)
			action = Action(1 + rng.Intn(7))
		}
		r.Members = append(r.Members, Member{
			NamePattern: randomPathPattern(rng),
			Type:        MemberType(rng.Intn(4)),
			Action:      action,
		})
	}
	return r
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

var pathWords = []string{"foo", "bar", "baz", "*", "org.example", "a/b/c"}

func randomPathPattern(rng *rand.Rand) string {
	return pathWords[rng.Intn(len(pathWords))]
}
