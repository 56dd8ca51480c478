// Package handshake drives the peer authentication state machine from spec
// section 4.I (components I and J): the seven-step ExchangeGUIDs →
// ExchangeSuites → KeyExchange → KeyAuthentication → GenSessionKey →
// ExchangeGroupKeys → SendManifest → SendMemberships ladder, on both the
// initiator and responder side, and the access control gate that arbitrates
// steady-state traffic once a peer's handshake succeeds.
//
// Grounded on securechannel.Manager's handshakeContext/Route/handle*Locked
// shape: one mutex-guarded context tracked at a time, handler methods that
// mirror request/reply pairs, and a completion callback invoked outside the
// lock. Unlike the teacher, which multiplexes PASE/CASE handshakes across
// many exchange IDs concurrently, spec section 3 requires exactly one live
// AuthContext per attachment, so Manager tracks a single *AuthContext
// instead of a map.
package handshake

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/wirebus/peercore/pkg/acltable"
	"github.com/wirebus/peercore/pkg/convhash"
	"github.com/wirebus/peercore/pkg/credstore"
	"github.com/wirebus/peercore/pkg/crypto"
	"github.com/wirebus/peercore/pkg/identity"
	"github.com/wirebus/peercore/pkg/membership"
	"github.com/wirebus/peercore/pkg/policy"
	"github.com/wirebus/peercore/pkg/policyapply"
	"github.com/wirebus/peercore/pkg/suite"
)

// ErrNoActiveHandshake is returned when a reply handler is invoked but no
// AuthContext is live, or the live one belongs to a different peer.
var ErrNoActiveHandshake = errors.New("handshake: no active handshake")

// ErrHandshakeInProgress is the Resources condition from testable property
// 3: a new handshake was requested while a non-expired AuthContext is live.
var ErrHandshakeInProgress = errors.New("handshake: already in progress")

// ErrNoCachedSecret is returned by HandleGenSessionKeyRequest when the
// responder has no usable cached master secret for the peer attempting
// resumption; the caller replies AJ_ErrRejected and the initiator falls
// through to ExchangeSuites (spec section 6, scenario 4).
var ErrNoCachedSecret = errors.New("handshake: no cached master secret")

// Callbacks fires on handshake completion or failure, mirroring
// securechannel.Callbacks.OnSessionEstablished/OnSessionError.
type Callbacks struct {
	OnSuccess func(peer identity.GUID, suite suite.Suite)
	OnFailure func(peer identity.GUID, err error)
}

// Config wires a Manager's dependencies: every component it drives data
// through (spec section 4.I's data-flow diagram).
type Config struct {
	LocalGUID       identity.GUID
	LocalUniqueName string
	// AuthVersion is the maximum auth version this side offers, high 16
	// bits of AuthContext.Version (spec section 3, range [2,4]).
	AuthVersion uint16

	Suites      *suite.Registry
	Credentials credstore.Store
	NameMap     *identity.NameMap
	AccessTable *acltable.Table
	Authority   membership.AuthorityLookup

	// IdentityKey/IdentityCertChain are used only when ECDHE_ECDSA is
	// negotiated; nil disables that suite regardless of Suites' settings.
	IdentityKey       *crypto.KeyPair
	IdentityCertChain [][]byte

	// PSKHint/PSKPassword back ECDHE_PSK; PSKPassword resolves a hint
	// (opaque, out-of-band) to the shared password (spec section 4.C).
	PSKHint     []byte
	PSKPassword func(hint []byte) ([]byte, error)

	// LocalManifest is the capability set this side commits to and sends
	// during SendManifest (spec section 3/4.I).
	LocalManifest *policy.Manifest

	// LoadPolicy returns the stored policy to apply once a peer's manifest
	// is accepted, or (nil, credstore.ErrNotFound) if none is stored, in
	// which case BootstrapRules is granted instead (spec section 4.H
	// step 4).
	LoadPolicy func() (*policy.Policy, error)

	Callbacks Callbacks

	LoggerFactory logging.LoggerFactory
	Now           func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Suites == nil {
		c.Suites = suite.NewRegistry()
	}
}

// Manager drives the handshake state machine for one bus attachment.
type Manager struct {
	cfg Config
	log logging.LeveledLogger

	mu       sync.Mutex
	ctx      *AuthContext
	peerIdx  int      // slot this peer occupies in the access table's per-peer arrays
	memberGr [][]byte // group GUIDs accepted via SendMemberships this handshake
}

// NewManager creates a Manager from its configuration.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{cfg: cfg}
	if cfg.LoggerFactory != nil {
		m.log = cfg.LoggerFactory.NewLogger("handshake")
	}
	return m
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Debugf(format, args...)
	}
}

// SetPeerIndex assigns this handshake's access-table peer slot. A
// BusAttachment (and so cmd/peerd) gives each new Manager the next slot
// from a counter shared across the attachment; a Manager built directly,
// as the tests do, keeps slot 0 unless this is called.
func (m *Manager) SetPeerIndex(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerIdx = idx
}

// clearLocked zeroizes and drops the live context. Caller must hold m.mu.
func (m *Manager) clearLocked() {
	if m.ctx != nil {
		m.ctx.Clear()
	}
	m.ctx = nil
}

// abort clears the live context and notifies the failure callback, per spec
// section 5's cancellation rule: any SecurityViolation, unmarshal failure,
// or verifier mismatch aborts the whole handshake, not just the step that
// hit it. Caller must hold m.mu; abort releases it to invoke the callback
// and re-acquires it before returning, matching completeLocked's discipline
// so a deferred Unlock in the caller stays balanced.
func (m *Manager) abort(err error) error {
	var peer identity.GUID
	if m.ctx != nil {
		peer = m.ctx.Peer
	}
	m.clearLocked()
	if m.cfg.Callbacks.OnFailure != nil {
		m.mu.Unlock()
		m.cfg.Callbacks.OnFailure(peer, err)
		m.mu.Lock()
	}
	return err
}

// HandshakeTimeout reports and, if expired, clears the live context. Spec
// section 5 requires this be consulted at every state entry and on every
// foreign-message re-entry; callers invoke it before each Handle* call.
func (m *Manager) HandshakeTimeout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return false
	}
	if m.ctx.Expired(m.cfg.Now()) {
		peer := m.ctx.Peer
		m.clearLocked()
		m.mu.Unlock()
		if m.cfg.Callbacks.OnFailure != nil {
			m.cfg.Callbacks.OnFailure(peer, newError(StatusTimeout, "handshake timed out"))
		}
		m.mu.Lock()
		return true
	}
	return false
}

// startLocked enforces the at-most-one-handshake invariant (testable
// property 3) and installs a fresh context. Caller must hold m.mu.
func (m *Manager) startLocked(role Role, peer identity.GUID, peerAuthVersion uint16) (*AuthContext, error) {
	now := m.cfg.Now()
	if m.ctx != nil {
		if !m.ctx.Expired(now) {
			return nil, ErrHandshakeInProgress
		}
		m.clearLocked()
	}
	negotiated := m.cfg.AuthVersion
	if peerAuthVersion != 0 && peerAuthVersion < negotiated {
		negotiated = peerAuthVersion
	}
	m.ctx = newContext(role, peer, negotiated, now)
	return m.ctx, nil
}

// --- Initiator side ---

// Start begins a handshake as initiator, returning the ExchangeGUIDs
// request to send. The peer's GUID is not yet known (bound on reply).
func (m *Manager) Start() (*GUIDsRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, err := m.startLocked(RoleInitiator, identity.GUID{}, m.cfg.AuthVersion)
	if err != nil {
		return nil, err
	}
	req := &GUIDsRequest{
		LocalGUID:  m.cfg.LocalGUID,
		UniqueName: m.cfg.LocalUniqueName,
		Version:    uint32(m.cfg.AuthVersion) << 16,
	}
	// Provisionally hash the outgoing payload at v4 before the peer's
	// version is known (spec section 4.I note (a)). Checkpoint first so
	// HandleGUIDsReply can roll this back if the peer negotiates <v4
	// (section 4.A); SetVersion's own reset is a second safety net for any
	// caller that skips the explicit checkpoint/rollback pair.
	ctx.ConvHash.Checkpoint()
	ctx.ConvHash.Update(encodeGUIDs(req.UniqueName, req.LocalGUID, req.Version), convhash.Marshaled, false)
	return req, nil
}

// HandleGUIDsReply consumes the responder's GUID/version and either
// resumes (if a cached master secret is found, scenario 4) or proceeds to
// ExchangeSuites.
func (m *Manager) HandleGUIDsReply(reply *GUIDsReply) (resuming bool, suitesReq *SuitesRequest, sessionReq *GenSessionKeyRequest, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return false, nil, nil, ErrNoActiveHandshake
	}
	ctx.Peer = reply.RemoteGUID
	peerVersion := uint16(reply.Version >> 16)
	negotiated := ctx.AuthVersion()
	if peerVersion < negotiated {
		negotiated = peerVersion
	}
	ctx.Version = uint32(negotiated)<<16 | KeygenVersion
	if convVersion(negotiated) < convhash.VersionFour {
		ctx.ConvHash.Rollback()
	}
	ctx.ConvHash.SetVersion(convVersion(negotiated))
	ctx.ConvHash.Update(encodeGUIDs(reply.UniqueName, reply.RemoteGUID, reply.Version), convhash.Unmarshaled, false)
	ctx.State = StateExchanged
	m.cfg.NameMap.Install(identity.PeerIdentity{GUID: reply.RemoteGUID, UniqueName: reply.UniqueName})

	if rec, err := m.cfg.Credentials.Get(credstore.GenericMasterSecret, reply.RemoteGUID); err == nil {
		ctx.SetMasterSecret(rec.Blob)
		nonceA, nerr := crypto.NewNonce()
		if nerr != nil {
			return false, nil, nil, newError(StatusResources, "nonce: "+nerr.Error())
		}
		ctx.Nonce = nonceA
		req := &GenSessionKeyRequest{LocalGUID: m.cfg.LocalGUID, RemoteGUID: reply.RemoteGUID, NonceA: nonceA}
		ctx.ConvHash.Update(encodeGenSessionKeyRequest(req.LocalGUID, req.RemoteGUID, req.NonceA), convhash.Marshaled, false)
		return true, nil, req, nil
	}

	offered := m.cfg.Suites.Enabled(convVersion(negotiated))
	req := &SuitesRequest{Suites: offered}
	ctx.ConvHash.Update(encodeSuites(offered), convhash.Marshaled, false)
	return false, req, nil, nil
}

// HandleGenSessionKeyRejected handles the responder's AJ_ErrRejected reply
// to a resumption attempt: fall through to ExchangeSuites (scenario 4).
func (m *Manager) HandleGenSessionKeyRejected() (*SuitesRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	m.cfg.Credentials.Delete(ctx.Peer)
	offered := m.cfg.Suites.Enabled(convVersion(ctx.AuthVersion()))
	req := &SuitesRequest{Suites: offered}
	ctx.ConvHash.Update(encodeSuites(offered), convhash.Marshaled, false)
	return req, nil
}

// HandleSuitesReply picks the highest-priority suite common to both sides,
// generates the ephemeral ECDHE key pair, and returns the KeyExchange
// request.
func (m *Manager) HandleSuitesReply(reply *SuitesReply) (*KeyExchangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	ctx.ConvHash.Update(encodeSuites(reply.Suites), convhash.Unmarshaled, false)
	local := m.cfg.Suites.Enabled(convVersion(ctx.AuthVersion()))
	chosen, ok := suite.Negotiate(local, reply.Suites)
	if !ok {
		return nil, m.abort(newError(StatusSecurity, "no common cipher suite"))
	}
	ctx.Suite = chosen
	return m.buildKeyExchangeRequest(ctx)
}

func (m *Manager) buildKeyExchangeRequest(ctx *AuthContext) (*KeyExchangeRequest, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, newError(StatusResources, "ephemeral key pair: "+err.Error())
	}
	ctx.Ephemeral = kp
	certChain, pskHint, err := m.buildKeyExchangeExtras(ctx)
	if err != nil {
		return nil, err
	}
	if ctx.Suite == suite.ECDHEPSK {
		// The reply carries no hint field of its own (spec section 6's "u
		// <suite-specific>" signature only grows PSKHint on the request
		// side), so the initiator must remember what it sent here to
		// re-derive the same stretched key once KeyExchangeReply arrives.
		ctx.PSK.Hint = pskHint
	}
	req := &KeyExchangeRequest{Suite: ctx.Suite, ECDHEPub: kp.PublicKeyUncompressed(), CertChain: certChain, PSKHint: pskHint}
	ctx.ConvHash.Update(encodeKeyExchange(req.Suite, req.ECDHEPub, req.CertChain, req.PSKHint), convhash.Marshaled, false)
	return req, nil
}

// HandleKeyExchangeReply derives the master secret from the responder's
// ECDHE public key (and suite-specific material), and returns the
// KeyAuthentication request.
func (m *Manager) HandleKeyExchangeReply(reply *KeyExchangeReply) (*KeyAuthRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	transcriptBefore := ctx.ConvHash.Sum()
	if err := m.applyKeyExchangePeerMaterial(ctx, reply.ECDHEPub, reply.CertChain, nil, transcriptBefore); err != nil {
		return nil, m.abort(err)
	}
	ctx.ConvHash.Update(encodeKeyExchange(0, reply.ECDHEPub, reply.CertChain, nil), convhash.Unmarshaled, false)

	digest := ctx.ConvHash.Sum()
	verifier, err := m.computeVerifier(ctx, digest)
	if err != nil {
		return nil, m.abort(err)
	}
	return &KeyAuthRequest{Verifier: verifier}, nil
}

// HandleKeyAuthReply verifies the responder's KeyAuthentication verifier
// and returns the GenSessionKey request carrying a fresh nonce.
func (m *Manager) HandleKeyAuthReply(reply *KeyAuthReply) (*GenSessionKeyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	// Key-authentication bodies are hashed after unmarshal, excluding the
	// verifier itself from the transcript that produced it (spec section
	// 3/4.A).
	digest := ctx.ConvHash.Sum()
	if err := m.verifyPeerVerifier(ctx, digest, reply.Verifier); err != nil {
		return nil, m.abort(err)
	}
	ctx.ConvHash.Update(encodeVerifier(reply.Verifier), convhash.Unmarshaled, false)
	nonceA, err := crypto.NewNonce()
	if err != nil {
		return nil, newError(StatusResources, "nonce: "+err.Error())
	}
	ctx.Nonce = nonceA
	req := &GenSessionKeyRequest{LocalGUID: m.cfg.LocalGUID, RemoteGUID: ctx.Peer, NonceA: nonceA}
	ctx.ConvHash.Update(encodeGenSessionKeyRequest(req.LocalGUID, req.RemoteGUID, req.NonceA), convhash.Marshaled, false)
	return req, nil
}

// HandleKeyExchangeFailure implements the single ECDSA/PSK -> NULL
// downgrade from spec section 4.I: called when the local ECDHE/ECDSA/PSK
// key exchange itself cannot proceed (e.g. no identity key configured).
func (m *Manager) HandleKeyExchangeFailure() (*KeyExchangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	if ctx.FallbackUsed() {
		return nil, newError(StatusSecurity, "suite fallback already spent")
	}
	fallback, ok := suite.Fallback(ctx.Suite)
	if !ok {
		return nil, newError(StatusSecurity, "no fallback suite available")
	}
	ctx.Suite = fallback
	ctx.MarkFallbackUsed()
	return m.buildKeyExchangeRequest(ctx)
}

// HandleGenSessionKeyReply computes the local session key/verifier from
// the PRF and checks the responder's verifier matches (testable property
// 4), persists the master secret for resumption, and returns the
// ExchangeGroupKeys request.
func (m *Manager) HandleGenSessionKeyReply(reply *GenSessionKeyReply) (*GroupKeysRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	master, ok := ctx.MasterSecret()
	if !ok {
		return nil, m.abort(newError(StatusSecurity, "no master secret"))
	}
	sessionKey, verifier, err := crypto.PRFSHA256(master[:], "session key", []byte(ctx.Nonce), []byte(reply.NonceB))
	if err != nil {
		return nil, m.abort(newError(StatusSecurity, "prf: "+err.Error()))
	}
	if !crypto.PSKVerifierEqual(verifier[:], reply.VerifierB) {
		return nil, m.abort(newError(StatusSecurity, "session verifier mismatch"))
	}
	_ = sessionKey // registered with the message layer by the caller (spec section 4.D)
	m.cfg.Credentials.Set(credstore.Record{Type: credstore.GenericMasterSecret, Peer: ctx.Peer, Blob: master[:]})

	key, err := randomGroupKey()
	if err != nil {
		return nil, newError(StatusResources, "group key: "+err.Error())
	}
	req := &GroupKeysRequest{Key: key}
	ctx.ConvHash.Update(encodeGroupKey(req.Key), convhash.Marshaled, false)
	return req, nil
}

// HandleGroupKeysReply records the responder's own group key and returns
// the SendManifest request.
func (m *Manager) HandleGroupKeysReply(reply *GroupKeysReply) (*ManifestRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	ctx.ConvHash.Update(encodeGroupKey(reply.Key), convhash.Unmarshaled, false)
	return m.buildManifestRequest(ctx)
}

func (m *Manager) buildManifestRequest(ctx *AuthContext) (*ManifestRequest, error) {
	manifest := m.cfg.LocalManifest
	if manifest == nil {
		manifest = &policy.Manifest{}
	}
	wire := policy.MarshalManifest(manifest)
	req := &ManifestRequest{Manifest: wire}
	ctx.ConvHash.Update(wire, convhash.Marshaled, false)
	return req, nil
}

// HandleManifestReply applies the responder's digest-bound manifest
// against whatever policy is already loaded, or the bootstrap rule set if
// none is stored (spec section 4.H step 4), and begins SendMemberships.
func (m *Manager) HandleManifestReply(reply *ManifestReply) (*MembershipsRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	ctx.ConvHash.Update(reply.Manifest, convhash.Unmarshaled, false)
	if err := m.applyPeerManifest(ctx, reply.Manifest); err != nil {
		return nil, m.abort(err)
	}
	return m.buildMembershipsRequest(ctx)
}

func (m *Manager) buildMembershipsRequest(ctx *AuthContext) (*MembershipsRequest, error) {
	ctx.MembershipCode = MembershipNone
	req := &MembershipsRequest{Code: MembershipNone}
	ctx.ConvHash.Update([]byte{byte(req.Code)}, convhash.Marshaled, false)
	return req, nil
}

// HandleMembershipsReply processes one round of the responder's
// SendMemberships exchange; returns (nil, nil) once both sides have sent
// MembershipNone, per the success criterion in spec section 4.I's diagram.
func (m *Manager) HandleMembershipsReply(reply *MembershipsReply) (*MembershipsRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleInitiator {
		return nil, ErrNoActiveHandshake
	}
	if err := m.applyMembershipChain(ctx, reply.CertChain); err != nil {
		return nil, m.abort(err)
	}
	if reply.Code == MembershipNone && ctx.MembershipCode == MembershipNone {
		return m.completeLocked(ctx)
	}
	req := &MembershipsRequest{Code: MembershipNone}
	return req, nil
}

// --- Responder side ---

// HandleGUIDsRequest is the responder's entry point: install the peer's
// identity, negotiate the auth version, and reply.
func (m *Manager) HandleGUIDsRequest(req *GUIDsRequest) (*GUIDsReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peerVersion := uint16(req.Version >> 16)
	ctx, err := m.startLocked(RoleResponder, req.LocalGUID, peerVersion)
	if err != nil {
		return nil, err
	}
	ctx.ConvHash.Update(encodeGUIDs(req.UniqueName, req.LocalGUID, req.Version), convhash.Unmarshaled, false)
	m.cfg.NameMap.Install(identity.PeerIdentity{GUID: req.LocalGUID, UniqueName: req.UniqueName})

	reply := &GUIDsReply{RemoteGUID: m.cfg.LocalGUID, UniqueName: m.cfg.LocalUniqueName, Version: ctx.Version}
	ctx.ConvHash.Update(encodeGUIDs(reply.UniqueName, reply.RemoteGUID, reply.Version), convhash.Marshaled, false)
	ctx.State = StateExchanged
	return reply, nil
}

// HandleSuitesRequest intersects the initiator's offered suites with those
// locally enabled and replies with the common set.
func (m *Manager) HandleSuitesRequest(req *SuitesRequest) (*SuitesReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleResponder {
		return nil, ErrNoActiveHandshake
	}
	ctx.ConvHash.Update(encodeSuites(req.Suites), convhash.Unmarshaled, false)
	local := m.cfg.Suites.Enabled(convVersion(ctx.AuthVersion()))
	common := intersect(local, req.Suites)
	reply := &SuitesReply{Suites: common}
	ctx.ConvHash.Update(encodeSuites(common), convhash.Marshaled, false)
	return reply, nil
}

// HandleKeyExchangeRequest verifies/records the initiator's ECDHE+suite
// material, derives the master secret, and replies with its own half.
func (m *Manager) HandleKeyExchangeRequest(req *KeyExchangeRequest) (*KeyExchangeReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleResponder {
		return nil, ErrNoActiveHandshake
	}
	ctx.Suite = req.Suite
	ctx.ConvHash.Update(encodeKeyExchange(req.Suite, req.ECDHEPub, req.CertChain, req.PSKHint), convhash.Unmarshaled, false)

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, newError(StatusResources, "ephemeral key pair: "+err.Error())
	}
	ctx.Ephemeral = kp
	transcriptBefore := ctx.ConvHash.Sum()
	if err := m.applyKeyExchangePeerMaterial(ctx, req.ECDHEPub, req.CertChain, req.PSKHint, transcriptBefore); err != nil {
		return nil, m.abort(err)
	}

	certChain, _, err := m.buildKeyExchangeExtras(ctx)
	if err != nil {
		return nil, m.abort(err)
	}
	reply := &KeyExchangeReply{ECDHEPub: kp.PublicKeyUncompressed(), CertChain: certChain}
	ctx.ConvHash.Update(encodeKeyExchange(0, reply.ECDHEPub, reply.CertChain, nil), convhash.Marshaled, false)
	return reply, nil
}

// HandleKeyAuthRequest verifies the initiator's verifier and replies with
// its own (spec section 4.C/4.A: bodies hashed after unmarshal).
func (m *Manager) HandleKeyAuthRequest(req *KeyAuthRequest) (*KeyAuthReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleResponder {
		return nil, ErrNoActiveHandshake
	}
	digest := ctx.ConvHash.Sum()
	if err := m.verifyPeerVerifier(ctx, digest, req.Verifier); err != nil {
		return nil, m.abort(err)
	}
	ctx.ConvHash.Update(encodeVerifier(req.Verifier), convhash.Unmarshaled, false)
	verifier, err := m.computeVerifier(ctx, digest)
	if err != nil {
		return nil, m.abort(err)
	}
	return &KeyAuthReply{Verifier: verifier}, nil
}

// HandleGenSessionKeyRequest completes KeyGen for the responder: it either
// derives the session key against the material just negotiated, or — if
// this request arrives as the very first message after ExchangeGUIDsReply
// (resumption attempt, scenario 4) — looks up a cached master secret for
// the peer and returns ErrNoCachedSecret if none is usable.
func (m *Manager) HandleGenSessionKeyRequest(req *GenSessionKeyRequest) (*GenSessionKeyReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleResponder {
		return nil, ErrNoActiveHandshake
	}
	if _, ok := ctx.MasterSecret(); !ok {
		rec, err := m.cfg.Credentials.Get(credstore.GenericMasterSecret, ctx.Peer)
		if err != nil {
			return nil, ErrNoCachedSecret
		}
		ctx.SetMasterSecret(rec.Blob)
	}
	ctx.ConvHash.Update(encodeGenSessionKeyRequest(req.LocalGUID, req.RemoteGUID, req.NonceA), convhash.Unmarshaled, false)

	nonceB, err := crypto.NewNonce()
	if err != nil {
		return nil, m.abort(newError(StatusResources, "nonce: "+err.Error()))
	}
	master, _ := ctx.MasterSecret()
	_, verifier, err := crypto.PRFSHA256(master[:], "session key", []byte(req.NonceA), []byte(nonceB))
	if err != nil {
		return nil, m.abort(newError(StatusSecurity, "prf: "+err.Error()))
	}
	reply := &GenSessionKeyReply{NonceB: nonceB, VerifierB: verifier[:]}
	ctx.ConvHash.Update(encodeGenSessionKeyReply(reply.NonceB, reply.VerifierB), convhash.Marshaled, false)
	m.cfg.Credentials.Set(credstore.Record{Type: credstore.GenericMasterSecret, Peer: ctx.Peer, Blob: master[:]})
	return reply, nil
}

// HandleGroupKeysRequest records the initiator's group key and replies with
// the responder's own (spec section 9's open question: each side sends its
// own key, no symmetry enforced).
func (m *Manager) HandleGroupKeysRequest(req *GroupKeysRequest) (*GroupKeysReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleResponder {
		return nil, ErrNoActiveHandshake
	}
	ctx.ConvHash.Update(encodeGroupKey(req.Key), convhash.Unmarshaled, false)
	key, err := randomGroupKey()
	if err != nil {
		return nil, newError(StatusResources, "group key: "+err.Error())
	}
	reply := &GroupKeysReply{Key: key}
	ctx.ConvHash.Update(encodeGroupKey(reply.Key), convhash.Marshaled, false)
	return reply, nil
}

// HandleManifestRequest validates the initiator's manifest digest against
// its ECDSA certificate extension (when that suite is in use), applies the
// manifest, and replies with the responder's own manifest.
func (m *Manager) HandleManifestRequest(req *ManifestRequest) (*ManifestReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleResponder {
		return nil, ErrNoActiveHandshake
	}
	ctx.ConvHash.Update(req.Manifest, convhash.Unmarshaled, false)
	if err := m.applyPeerManifest(ctx, req.Manifest); err != nil {
		return nil, m.abort(err)
	}
	reply, err := m.buildManifestRequest(ctx)
	if err != nil {
		return nil, err
	}
	return &ManifestReply{Manifest: reply.Manifest}, nil
}

// HandleMembershipsRequest processes one round of the initiator's
// SendMemberships exchange and replies in kind.
func (m *Manager) HandleMembershipsRequest(req *MembershipsRequest) (*MembershipsReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.ctx
	if ctx == nil || ctx.Role != RoleResponder {
		return nil, ErrNoActiveHandshake
	}
	if err := m.applyMembershipChain(ctx, req.CertChain); err != nil {
		return nil, m.abort(err)
	}
	ctx.MembershipCode = MembershipNone
	reply := &MembershipsReply{Code: MembershipNone}
	if req.Code == MembershipNone {
		if _, err := m.completeLocked(ctx); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

// --- shared helpers ---

// applyPeerManifest checks the manifest digest against the ECDSA identity
// context (when applicable) and intersects it with whatever policy is
// already applied for this peer, or the bootstrap rules if none is stored.
func (m *Manager) applyPeerManifest(ctx *AuthContext, manifestWire []byte) error {
	manifest, err := policy.UnmarshalManifest(manifestWire)
	if err != nil {
		return newError(StatusInvalid, "manifest: "+err.Error())
	}
	if ctx.Suite == suite.ECDHEECDSA && ctx.ECDSA.ManifestDigest != nil {
		digest := crypto.TranscriptDigest(manifestWire)
		if err := membership.CheckManifestDigest(&membership.VerifiedIdentity{ManifestDigest: ctx.ECDSA.ManifestDigest}, digest); err != nil {
			return newError(StatusSecurity, err.Error())
		}
	}

	peerCtx := m.peerContext(ctx)
	p, err := m.cfg.LoadPolicy()
	if err != nil {
		p = &policy.Policy{ACLs: []policy.ACL{{
			Peers: []policy.PermissionPeer{{Type: policy.PeerAll}},
			Rules: policyapply.BootstrapRules(),
		}}}
	}
	policyapply.ApplyPolicy(m.cfg.AccessTable, p, peerCtx)
	policyapply.ApplyManifest(m.cfg.AccessTable, manifest, peerCtx)
	return nil
}

// applyMembershipChain verifies and applies one SendMemberships round's
// certificate chain, if present (an empty chain is a legitimate "nothing
// more to send" round).
func (m *Manager) applyMembershipChain(ctx *AuthContext, der [][]byte) error {
	if len(der) == 0 {
		return nil
	}
	chain, err := membership.DecodeChain(der)
	if err != nil {
		return newError(StatusInvalid, "membership chain: "+err.Error())
	}
	verified, err := membership.VerifyChain(chain, ctx.ECDSA.SubjectPublicKey, m.cfg.Authority)
	if err != nil {
		return newError(StatusSecurity, "membership verify: "+err.Error())
	}
	if len(verified.Group) > 0 {
		m.memberGr = append(m.memberGr, verified.Group)
	}
	return nil
}

func (m *Manager) peerContext(ctx *AuthContext) policyapply.PeerContext {
	return policyapply.PeerContext{
		Index:            m.peerIdx,
		SuiteIsNull:      ctx.Suite == suite.ECDHENull,
		IssuerPublicKey:  issuerKeyOf(ctx),
		SubjectPublicKey: ctx.ECDSA.SubjectPublicKey,
		MembershipGroups: m.memberGr,
	}
}

func issuerKeyOf(ctx *AuthContext) []byte {
	if len(ctx.ECDSA.IssuerChain) == 0 {
		return nil
	}
	return ctx.ECDSA.IssuerChain[len(ctx.ECDSA.IssuerChain)-1].RawSubjectPublicKeyInfo
}

// completeLocked transitions to StateSuccess and fires OnSuccess. Caller
// must hold m.mu; the callback itself is invoked after unlocking, matching
// securechannel.Manager's "notify outside lock" discipline.
func (m *Manager) completeLocked(ctx *AuthContext) (*MembershipsRequest, error) {
	ctx.State = StateSuccess
	peer := ctx.Peer
	suiteUsed := ctx.Suite
	m.ctx = nil
	if m.cfg.Callbacks.OnSuccess != nil {
		m.mu.Unlock()
		m.cfg.Callbacks.OnSuccess(peer, suiteUsed)
		m.mu.Lock()
	}
	return nil, nil
}

// convVersion maps an auth version (spec section 3's high-16-bit field,
// range [2,4]) onto the convhash.Version it gates hashing behavior with;
// the two numberings are defined to coincide.
func convVersion(authVersion uint16) convhash.Version {
	return convhash.Version(authVersion)
}

func intersect(a, b []suite.Suite) []suite.Suite {
	set := make(map[suite.Suite]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []suite.Suite
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

func randomGroupKey() ([16]byte, error) {
	var key [16]byte
	n, err := rand.Read(key[:])
	if err != nil || n != len(key) {
		return key, errors.New("handshake: short random read")
	}
	return key, nil
}
