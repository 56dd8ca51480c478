package bus

import (
	"testing"

	"github.com/wirebus/peercore/pkg/acltable"
	"github.com/wirebus/peercore/pkg/credstore"
	"github.com/wirebus/peercore/pkg/identity"
	"github.com/wirebus/peercore/pkg/messagelayer"
	"github.com/wirebus/peercore/pkg/policy"
)

type fakeMessage struct {
	id    uint32
	flags messagelayer.Flags
}

func (m fakeMessage) Sender() string            { return ":1.1" }
func (m fakeMessage) Serial() uint32            { return 1 }
func (m fakeMessage) MessageID() uint32         { return m.id }
func (m fakeMessage) Flags() messagelayer.Flags { return m.flags }

func baseConfig() Config {
	var guid identity.GUID
	guid[0] = 0x01
	return Config{
		LocalGUID:       guid,
		LocalUniqueName: ":1.1",
		Credentials:     credstore.NewMemoryStore(),
		Objects: []acltable.ObjectEntry{
			{Object: "/app", Iface: "com.example.A", Member: "Ping", Type: policy.MemberMethod, Secure: true},
		},
	}
}

func TestNewRequiresLocalGUID(t *testing.T) {
	cfg := baseConfig()
	cfg.LocalGUID = identity.GUID{}
	if _, err := New(cfg); err != ErrNoLocalGUID {
		t.Fatalf("New with zero GUID: got %v, want ErrNoLocalGUID", err)
	}
}

func TestNewRequiresCredentialStore(t *testing.T) {
	cfg := baseConfig()
	cfg.Credentials = nil
	if _, err := New(cfg); err != ErrNoCredentialStore {
		t.Fatalf("New with nil credentials: got %v, want ErrNoCredentialStore", err)
	}
}

// TestPlumbingMessageIDsBypassTable confirms Config.PlumbingMessageIDs
// reaches the gate: a message id outside the introspected object list is
// admitted when it's whitelisted, denied otherwise (spec section 4.J).
func TestPlumbingMessageIDsBypassTable(t *testing.T) {
	cfg := baseConfig()
	const groupKeysID = uint32(0xAA)
	cfg.PlumbingMessageIDs = []uint32{groupKeysID}
	attachment, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plumbing := fakeMessage{id: groupKeysID, flags: messagelayer.FlagEncrypted}
	if err := attachment.gate.Check(0, plumbing, false); err != nil {
		t.Fatalf("whitelisted plumbing message id should bypass the missing table row: %v", err)
	}

	other := fakeMessage{id: 0xBB, flags: messagelayer.FlagEncrypted}
	if err := attachment.gate.Check(0, other, false); err == nil {
		t.Fatalf("a non-whitelisted unknown message id must still be denied")
	}
}

// TestUnencryptedTrafficBypassesGate confirms the access callback never
// arbitrates plaintext handshake plumbing, only ENCRYPTED application
// traffic (spec section 4.J's stated scope).
func TestUnencryptedTrafficBypassesGate(t *testing.T) {
	cfg := baseConfig()
	attachment, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg := fakeMessage{id: 0xCC, flags: messagelayer.FlagNone}
	if err := attachment.gate.Check(0, msg, false); err != nil {
		t.Fatalf("unencrypted traffic must bypass the gate entirely: %v", err)
	}
}
