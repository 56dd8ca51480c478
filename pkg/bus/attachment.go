// Package bus wires every component from spec sections 3-4 into a single
// attachment type: the credential store, cipher suite registry, access
// control table and gate, name map, reply context table, and one
// handshake.Manager per connected peer, over the out-of-scope transport and
// message-layer contracts (spec section 6).
//
// Grounded on pkg/matter/node.go's NewNode constructor shape: validate the
// configuration, apply defaults, initialize the logger, then build every
// manager the attachment composes, in dependency order.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/wirebus/peercore/pkg/acltable"
	"github.com/wirebus/peercore/pkg/credstore"
	"github.com/wirebus/peercore/pkg/crypto"
	"github.com/wirebus/peercore/pkg/handshake"
	"github.com/wirebus/peercore/pkg/identity"
	"github.com/wirebus/peercore/pkg/membership"
	"github.com/wirebus/peercore/pkg/messagelayer"
	"github.com/wirebus/peercore/pkg/policy"
	"github.com/wirebus/peercore/pkg/replytable"
	"github.com/wirebus/peercore/pkg/suite"
	"github.com/wirebus/peercore/pkg/transport"
)

// ErrNoLocalGUID is returned by Validate when the attachment has no local
// identity configured; every peer-facing operation needs one.
var ErrNoLocalGUID = errors.New("bus: no local GUID configured")

// ErrNoCredentialStore is returned by Validate when Credentials is nil; the
// handshake cannot cache master secrets or load a policy without one.
var ErrNoCredentialStore = errors.New("bus: no credential store configured")

// Config wires a BusAttachment's dependencies: its own identity, the
// object list the access table is built from, and every collaborator a
// handshake.Manager needs (spec section 4.I's Config, hoisted one level up
// so every peer's Manager shares the same table, name map, and stores).
type Config struct {
	LocalGUID       identity.GUID
	LocalUniqueName string
	AuthVersion     uint16
	Objects         []acltable.ObjectEntry

	Credentials credstore.Store
	Authority   membership.AuthorityLookup

	IdentityKey       *crypto.KeyPair
	IdentityCertChain [][]byte
	PSKHint           []byte
	PSKPassword       func(hint []byte) ([]byte, error)
	LocalManifest     *policy.Manifest

	// PlumbingMessageIDs are the introspection-derived message ids for
	// ExchangeGroupKeys and SendManifest on this attachment's object list,
	// whitelisted at the gate per spec section 4.J even when they carry no
	// access table row of their own.
	PlumbingMessageIDs []uint32

	// Layer, Dialer, and Resolver are the out-of-scope external
	// collaborators from spec section 6; Layer may be nil for tests that
	// drive the handshake state machine directly without a real message
	// layer wired up.
	Layer    messagelayer.Layer
	Dialer   transport.Dialer
	Resolver transport.Resolver

	// ReplySlots sizes the reply context table (0 uses replytable.DefaultSlots).
	ReplySlots int
	// CallTimeout is the deadline Reserve applies to outstanding calls.
	CallTimeout time.Duration

	LoggerFactory logging.LoggerFactory
	Now           func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 25 * time.Second
	}
}

// Validate checks the configuration fields every BusAttachment operation
// depends on, mirroring NodeConfig.Validate's "fail the constructor, not a
// later call" discipline.
func (c *Config) Validate() error {
	if c.LocalGUID.IsZero() {
		return ErrNoLocalGUID
	}
	if c.Credentials == nil {
		return ErrNoCredentialStore
	}
	return nil
}

// BusAttachment is one bus endpoint: the access table, name map, reply
// table, and cipher suite registry shared by every peer it handshakes
// with, plus a handshake.Manager + Gate pair allocated per peer connection.
type BusAttachment struct {
	cfg    Config
	log    logging.LeveledLogger
	table  *acltable.Table
	names  *identity.NameMap
	gate   *handshake.Gate
	reply  *replytable.Table
	suites *suite.Registry

	mu        sync.Mutex
	nextIdx   int
	peerSlots map[identity.GUID]int
}

// New builds a BusAttachment from its configuration, per NewNode's
// validate-then-default-then-wire constructor shape.
func New(cfg Config) (*BusAttachment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	suites := suite.NewRegistry()
	suites.EnableECDSA(cfg.IdentityKey != nil && cfg.IdentityCertChain != nil)
	suites.SetPasswordCallback(cfg.PSKPassword != nil)

	table := acltable.Build(cfg.Objects)
	b := &BusAttachment{
		cfg:    cfg,
		table:  table,
		names:  identity.NewNameMap(),
		gate:   handshake.NewGate(table, cfg.PlumbingMessageIDs...),
		reply:  replytable.New(cfg.ReplySlots),
		suites: suites,
	}
	if cfg.LoggerFactory != nil {
		b.log = cfg.LoggerFactory.NewLogger("bus")
	}
	if cfg.Layer != nil {
		cfg.Layer.SetAccessCallback(b.checkAccess)
	}
	return b, nil
}

// checkAccess is installed as the message layer's access callback (spec
// section 6). It resolves the message's sender to a peer index via the
// name map and defers to the gate for the actual admission/replay check.
func (b *BusAttachment) checkAccess(msg messagelayer.Message, outgoing bool) error {
	guid, err := b.names.LookupByName(msg.Sender())
	if err != nil {
		return err
	}
	idx, ok := b.peerIndex(guid)
	if !ok {
		return identity.ErrUnknownPeer
	}
	return b.gate.Check(idx, msg, outgoing)
}

// peerIndex maps an authenticated peer's GUID to the access-table slot its
// handshake.Manager was assigned via SetPeerIndex. onHandshakeSuccess
// records that slot (the one allocateSlot handed out in newManager) in
// peerSlots; a GUID's slot never changes for the life of the connection.
func (b *BusAttachment) peerIndex(guid identity.GUID) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.peerSlots[guid]
	return idx, ok
}

// NewInitiator creates a handshake.Manager for an outbound connection
// attempt, reserving it a fresh access-table slot.
func (b *BusAttachment) NewInitiator() *handshake.Manager {
	return b.newManager()
}

// NewResponder creates a handshake.Manager for an inbound connection
// attempt.
func (b *BusAttachment) NewResponder() *handshake.Manager {
	return b.newManager()
}

func (b *BusAttachment) newManager() *handshake.Manager {
	idx := b.allocateSlot()
	mgr := handshake.NewManager(handshake.Config{
		LocalGUID:         b.cfg.LocalGUID,
		LocalUniqueName:   b.cfg.LocalUniqueName,
		AuthVersion:       b.cfg.AuthVersion,
		Suites:            b.suites,
		Credentials:       b.cfg.Credentials,
		NameMap:           b.names,
		AccessTable:       b.table,
		Authority:         b.cfg.Authority,
		IdentityKey:       b.cfg.IdentityKey,
		IdentityCertChain: b.cfg.IdentityCertChain,
		PSKHint:           b.cfg.PSKHint,
		PSKPassword:       b.cfg.PSKPassword,
		LocalManifest:     b.cfg.LocalManifest,
		LoadPolicy:        b.loadPolicy,
		Callbacks: handshake.Callbacks{
			OnSuccess: func(peer identity.GUID, s suite.Suite) { b.onHandshakeSuccess(peer, s, idx) },
			OnFailure: func(peer identity.GUID, err error) { b.onHandshakeFailure(peer, err, idx) },
		},
		LoggerFactory: b.cfg.LoggerFactory,
		Now:           b.cfg.Now,
	})
	mgr.SetPeerIndex(idx)
	return mgr
}

func (b *BusAttachment) allocateSlot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.nextIdx % acltable.MaxPeers
	b.nextIdx++
	return idx
}

func (b *BusAttachment) loadPolicy() (*policy.Policy, error) {
	rec, err := b.cfg.Credentials.Get(credstore.Policy, identity.GUID{})
	if err != nil {
		return nil, err
	}
	return policy.UnmarshalPolicy(rec.Blob)
}

func (b *BusAttachment) onHandshakeSuccess(peer identity.GUID, s suite.Suite, idx int) {
	b.mu.Lock()
	if b.peerSlots == nil {
		b.peerSlots = make(map[identity.GUID]int)
	}
	b.peerSlots[peer] = idx
	b.mu.Unlock()
	if b.log != nil {
		b.log.Infof("peer %s authenticated via %s (slot %d)", peer, s, idx)
	}
}

func (b *BusAttachment) onHandshakeFailure(peer identity.GUID, err error, idx int) {
	b.gate.Forget(idx)
	if b.log != nil {
		b.log.Warnf("peer %s handshake failed: %v", peer, err)
	}
}

// Dial resolves wellKnownName via the configured Resolver and connects via
// the configured Dialer, returning the raw connection for a caller-supplied
// codec to drive the handshake over; the wire marshaller itself is out of
// scope (spec section 1).
func (b *BusAttachment) Dial(wellKnownName string) (transport.Conn, error) {
	addr, err := b.cfg.Resolver.Resolve(wellKnownName)
	if err != nil {
		return nil, err
	}
	return b.cfg.Dialer.Dial(addr)
}

// ReserveCall registers an outbound method call awaiting a reply (spec
// section 4.K), to be matched against an inbound reply via MatchReply.
func (b *BusAttachment) ReserveCall(serial, messageID uint32, peerUniqueName string) error {
	return b.reply.Reserve(serial, messageID, peerUniqueName, b.cfg.CallTimeout)
}

// MatchReply resolves an inbound reply against its outstanding call,
// enforcing the unique-name binding check for encrypted replies (testable
// property 8).
func (b *BusAttachment) MatchReply(replySerial uint32, sender string, encrypted bool) (replytable.Slot, error) {
	return b.reply.Match(replySerial, sender, encrypted)
}

// SweepTimeouts clears one expired outstanding call, if any, for a caller
// to synthesize a timeout reply from (spec section 4.K). The attachment
// runs no timer of its own and cmd/peerd does not call it; sweeping happens
// only when a caller invokes this.
func (b *BusAttachment) SweepTimeouts() (replytable.Slot, bool) {
	return b.reply.Sweep()
}

// AccessTable exposes the attachment's access control table, e.g. for a
// caller wiring up introspection or diagnostics.
func (b *BusAttachment) AccessTable() *acltable.Table {
	return b.table
}

// Names exposes the attachment's name map.
func (b *BusAttachment) Names() *identity.NameMap {
	return b.names
}
