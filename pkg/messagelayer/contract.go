// Package messagelayer declares the message-layer contract from spec
// section 6: an opaque, already-typed collaborator that marshals method
// calls, delivers them, and marshals/unmarshals their arguments. The wire
// marshaller for message arguments itself is explicitly out of scope (spec
// section 1); this package only fixes the boundary the handshake and
// access-control gate call through, grounded on the shape of
// message.Codec's interface in the teacher without adopting its Matter
// framing.
package messagelayer

import "context"

// Flags mirrors the message-layer flag bits referenced in spec section 6;
// ENCRYPTED gates whether the access callback must succeed before a message
// is emitted or accepted.
type Flags uint32

const (
	FlagNone      Flags = 0
	FlagEncrypted Flags = 1 << iota
)

// Message is the opaque envelope the message layer hands back from
// MarshalMethodCall and passes to Deliver/UnmarshalArgs.
type Message interface {
	// Sender is the unique name the layer attributes to this message,
	// authoritative for the reply-binding check in spec section 4.K.
	Sender() string
	// Serial is the message's serial number (method calls) or the serial
	// being replied to (replies).
	Serial() uint32
	// MessageID is the packed (list,obj,iface,member) id used to look up
	// the access control table row (spec section 3/4.G).
	MessageID() uint32
	Flags() Flags
}

// ArgWriter marshals typed arguments into a Message being built, mirroring
// the fixed wire signatures in spec section 6 (su, au, ay, ...).
type ArgWriter interface {
	MarshalUint32(v uint32) error
	MarshalString(v string) error
	MarshalBytes(v []byte) error
	OpenContainer(signature string) error
	CloseContainer() error
	MarshalVariant(signature string) error
}

// ArgReader is the read-side counterpart of ArgWriter.
type ArgReader interface {
	UnmarshalUint32() (uint32, error)
	UnmarshalString() (string, error)
	UnmarshalBytes() ([]byte, error)
	EnterContainer() error
	ExitContainer() error
}

// Layer is the message-layer contract the handshake and access control
// gate are written against; a real deployment's transport/marshaller
// implements it, but this module treats it as an external collaborator.
type Layer interface {
	MarshalMethodCall(ctx context.Context, messageID uint32, dest string, ttl uint32, flags Flags) (Message, ArgWriter, error)
	Deliver(ctx context.Context, msg Message) error
	UnmarshalArgs(msg Message) (ArgReader, error)

	// AccessCallback is invoked by the layer itself before emitting or
	// accepting an ENCRYPTED message; it must succeed for the message to
	// proceed (spec section 6).
	SetAccessCallback(cb func(msg Message, outgoing bool) error)
}
