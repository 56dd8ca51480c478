package policy

import (
	"errors"

	"github.com/wirebus/peercore/pkg/wire"
)

// ErrInvalid is joined with the wire error (wire.ErrShortRead/ErrTooLarge) for callers that
// only care that unmarshal rejected the input. The partial object graph is
// never returned to the caller on error: decode functions only hand back a
// non-nil object on success, which is the Go-native form of spec section
// 4.F's "rolls back the partial object graph (memory free)".
var ErrInvalid = errors.New("policy: invalid encoding")

const (
	maxACLs    = 256
	maxRules   = 1024
	maxMembers = 256
	maxPeers   = 64
)

// MarshalManifest encodes a Manifest using wire signature "a(ssa(syy))":
// an array of (obj, ifc, array of (member, type, action)).
func MarshalManifest(m *Manifest) []byte {
	w := wire.NewWriter()
	writeRules(w, m.Rules)
	return w.Bytes()
}

// UnmarshalManifest decodes bytes produced by MarshalManifest. Any
// structural error yields (nil, ErrInvalid) with no partial object
// returned.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	r := wire.NewReader(data)
	rules, err := readRules(r)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &Manifest{Rules: rules}, nil
}

// MarshalPolicy encodes a Policy using wire signature
// "(qua(a(ya(yyayay)ay)a(ssa(syy))))": (specification, version,
// array of (array of peer, array of rule)).
func MarshalPolicy(p *Policy) []byte {
	w := wire.NewWriter()
	w.PutUint16(p.Specification)
	w.PutUint32(p.Version)
	wire.WriteArray(w, len(p.ACLs), func(i int) error {
		writePeers(w, p.ACLs[i].Peers)
		writeRules(w, p.ACLs[i].Rules)
		return nil
	})
	return w.Bytes()
}

// UnmarshalPolicy decodes bytes produced by MarshalPolicy.
func UnmarshalPolicy(data []byte) (*Policy, error) {
	r := wire.NewReader(data)

	spec, err := r.Uint16()
	if err != nil {
		return nil, wrapErr(err)
	}
	version, err := r.Uint32()
	if err != nil {
		return nil, wrapErr(err)
	}

	p := &Policy{Specification: spec, Version: version}
	n, err := wire.ReadArray(r, maxACLs, func(i int) error {
		peers, err := readPeers(r)
		if err != nil {
			return err
		}
		rules, err := readRules(r)
		if err != nil {
			return err
		}
		p.ACLs = append(p.ACLs, ACL{Peers: peers, Rules: rules})
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	_ = n
	return p, nil
}

func writeRules(w *wire.Writer, rules []Rule) {
	wire.WriteArray(w, len(rules), func(i int) error {
		r := rules[i]
		w.PutString(r.ObjPattern)
		w.PutString(r.IfcPattern)
		wire.WriteArray(w, len(r.Members), func(j int) error {
			m := r.Members[j]
			w.PutString(m.NamePattern)
			w.PutByte(byte(m.Type))
			w.PutByte(byte(m.Action))
			return nil
		})
		return nil
	})
}

func readRules(r *wire.Reader) ([]Rule, error) {
	var rules []Rule
	_, err := wire.ReadArray(r, maxRules, func(i int) error {
		obj, err := r.String()
		if err != nil {
			return err
		}
		ifc, err := r.String()
		if err != nil {
			return err
		}
		var members []Member
		_, err = wire.ReadArray(r, maxMembers, func(j int) error {
			name, err := r.String()
			if err != nil {
				return err
			}
			typ, err := r.Byte()
			if err != nil {
				return err
			}
			action, err := r.Byte()
			if err != nil {
				return err
			}
			members = append(members, Member{NamePattern: name, Type: MemberType(typ), Action: Action(action)})
			return nil
		})
		if err != nil {
			return err
		}
		rules = append(rules, Rule{ObjPattern: obj, IfcPattern: ifc, Members: members})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func writePeers(w *wire.Writer, peers []PermissionPeer) {
	wire.WriteArray(w, len(peers), func(i int) error {
		p := peers[i]
		w.PutByte(byte(p.Type))
		w.PutBytes(p.PublicKey)
		w.PutBytes(p.GroupGUID)
		return nil
	})
}

func readPeers(r *wire.Reader) ([]PermissionPeer, error) {
	var peers []PermissionPeer
	_, err := wire.ReadArray(r, maxPeers, func(i int) error {
		typ, err := r.Byte()
		if err != nil {
			return err
		}
		pub, err := r.Bytes()
		if err != nil {
			return err
		}
		guid, err := r.Bytes()
		if err != nil {
			return err
		}
		peers = append(peers, PermissionPeer{Type: PeerType(typ), PublicKey: nilIfEmpty(pub), GroupGUID: nilIfEmpty(guid)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return peers, nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func wrapErr(err error) error {
	return errors.Join(ErrInvalid, err)
}
