package handshake

import (
	"crypto/x509"
	"time"

	"github.com/wirebus/peercore/pkg/convhash"
	"github.com/wirebus/peercore/pkg/crypto"
	"github.com/wirebus/peercore/pkg/identity"
	"github.com/wirebus/peercore/pkg/suite"
)

// Role is which side of the handshake this AuthContext plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// State is the handshake's coarse lifecycle state (spec section 3).
type State int

const (
	StateNone State = iota
	StateExchanged
	StateSuccess
)

// MembershipCode tracks the SendMemberships cursor (spec section 3).
type MembershipCode int

const (
	MembershipNone MembershipCode = iota
	MembershipMore
	MembershipLast
)

// MaxHandshakeTime is the default monotonic deadline gating all handshake
// re-entries (spec section 3/4.I).
const MaxHandshakeTime = 30 * time.Second

// KeygenVersion is always 0 in the current wire format (spec section 3:
// "low 16 bits keygen version = 0").
const KeygenVersion = 0

// ECDSASubcontext holds the per-handshake ECDSA material (spec section 3).
type ECDSASubcontext struct {
	SubjectPublicKey []byte // peer's leaf subject key, bound during KeyExchange
	IssuerChain      []*x509.Certificate
	ManifestDigest   []byte
}

// PSKSubcontext holds the opaque PSK hint and derived key (spec section 3).
type PSKSubcontext struct {
	Hint []byte
	Key  []byte
}

// AuthContext is the per-peer handshake scratchpad from spec section 3.
// Exactly one is live at a time per Manager; starting a new one requires
// the previous to be absent, timed out, or cleared.
type AuthContext struct {
	Peer    identity.GUID
	Role    Role
	Version uint32 // high16 = auth version in [2,4], low16 = KeygenVersion
	Suite   suite.Suite

	ConvHash *convhash.Hash

	masterSecret [48]byte
	hasMaster    bool

	ECDSA ECDSASubcontext
	PSK   PSKSubcontext

	Ephemeral *crypto.KeyPair
	Nonce     string

	State          State
	MembershipCode MembershipCode
	fallbackUsed   bool

	startedAt time.Time
}

// AuthVersion extracts the high-16-bit auth version.
func (c *AuthContext) AuthVersion() uint16 {
	return uint16(c.Version >> 16)
}

// newContext creates a fresh AuthContext for the given role, peer and
// negotiated-version guess (the initiator proposes its own max version;
// the responder's is set once ExchangeGUIDsReply is observed).
func newContext(role Role, peer identity.GUID, authVersion uint16, now time.Time) *AuthContext {
	return &AuthContext{
		Peer:      peer,
		Role:      role,
		Version:   uint32(authVersion)<<16 | KeygenVersion,
		ConvHash:  convhash.New(convhash.Version(authVersion)),
		State:     StateNone,
		startedAt: now,
	}
}

// Expired reports whether MaxHandshakeTime has elapsed since the context
// started, consulted at every state entry per spec section 5.
func (c *AuthContext) Expired(now time.Time) bool {
	return now.Sub(c.startedAt) > MaxHandshakeTime
}

// SetMasterSecret stores the 48-byte master secret derived from the ECDHE
// shared secret.
func (c *AuthContext) SetMasterSecret(b []byte) {
	copy(c.masterSecret[:], b)
	c.hasMaster = true
}

// MasterSecret returns the stored master secret and whether one is set.
func (c *AuthContext) MasterSecret() ([48]byte, bool) {
	return c.masterSecret, c.hasMaster
}

// Clear zeroizes the master secret scratchpad and resets lifecycle state,
// per spec section 3's invariant that the master secret is never
// observable after ClearAuth.
func (c *AuthContext) Clear() {
	for i := range c.masterSecret {
		c.masterSecret[i] = 0
	}
	c.hasMaster = false
	c.PSK.Key = nil
	c.Ephemeral = nil
	c.State = StateNone
	if c.ConvHash != nil {
		c.ConvHash.Reset()
	}
}

// FallbackUsed reports whether the single allowed ECDSA/PSK -> NULL
// downgrade has already been spent (spec section 4.I: "no further
// fallback").
func (c *AuthContext) FallbackUsed() bool {
	return c.fallbackUsed
}

// MarkFallbackUsed records that the one allowed downgrade has happened.
func (c *AuthContext) MarkFallbackUsed() {
	c.fallbackUsed = true
}
