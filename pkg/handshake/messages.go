package handshake

import (
	"github.com/wirebus/peercore/pkg/identity"
	"github.com/wirebus/peercore/pkg/suite"
)

// The message types below carry exactly the fields of the wire signatures
// in spec section 6 ("su", "au", "u <suite-specific>", "sss", "ss", "ay",
// "a(ssa(syy))", "y a(yay)"); how they're transported (the opaque message
// layer) is out of scope, so these are plain structs rather than codec
// output.

// GUIDsRequest / GUIDsReply — signature "su".
type GUIDsRequest struct {
	LocalGUID  identity.GUID
	UniqueName string
	Version    uint32
}

type GUIDsReply struct {
	RemoteGUID identity.GUID
	UniqueName string
	Version    uint32
}

// SuitesRequest / SuitesReply — signature "au".
type SuitesRequest struct {
	Suites []suite.Suite
}

type SuitesReply struct {
	Suites []suite.Suite
}

// KeyExchangeRequest / KeyExchangeReply — signature "u <suite-specific>".
type KeyExchangeRequest struct {
	Suite     suite.Suite
	ECDHEPub  []byte
	CertChain [][]byte // DER, leaf first; only for ECDHE_ECDSA
	PSKHint   []byte   // only for ECDHE_PSK
}

type KeyExchangeReply struct {
	ECDHEPub  []byte
	CertChain [][]byte
}

// KeyAuthRequest / KeyAuthReply — suite-specific verifier body.
type KeyAuthRequest struct {
	Verifier []byte
}

type KeyAuthReply struct {
	Verifier []byte
}

// GenSessionKeyRequest — signature "sss" (localGuid, remoteGuid, nonceA).
type GenSessionKeyRequest struct {
	LocalGUID  identity.GUID
	RemoteGUID identity.GUID
	NonceA     string
}

// GenSessionKeyReply — signature "say" (nonceB, verifierB as raw bytes).
type GenSessionKeyReply struct {
	NonceB    string
	VerifierB []byte
}

// GroupKeysRequest / GroupKeysReply — signature "ay" (16 bytes).
type GroupKeysRequest struct {
	Key [16]byte
}

type GroupKeysReply struct {
	Key [16]byte
}

// ManifestRequest / ManifestReply — signature "a(ssa(syy))".
type ManifestRequest struct {
	Manifest []byte // wire.Writer-encoded policy.Manifest
}

type ManifestReply struct {
	Manifest []byte
}

// MembershipsRequest / MembershipsReply — signature "y a(yay)".
type MembershipsRequest struct {
	Code      MembershipCode
	CertChain [][]byte
}

type MembershipsReply struct {
	Code      MembershipCode
	CertChain [][]byte
}
