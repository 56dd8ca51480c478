package handshake

// Canonical byte encodings of the handshake messages from spec section 6.
// These exist for two reasons: they are what a real message-layer codec
// would produce for the fixed signatures, and they are exactly the bytes
// fed into the conversation hash (spec section 4.A) so the transcript is
// reproducible independent of which in-memory struct fields changed.

import (
	"github.com/wirebus/peercore/pkg/identity"
	"github.com/wirebus/peercore/pkg/suite"
	"github.com/wirebus/peercore/pkg/wire"
)

func encodeGUIDs(uniqueName string, guid identity.GUID, version uint32) []byte {
	w := wire.NewWriter()
	w.PutString(uniqueName)
	w.PutFixedBytes(guid[:])
	w.PutUint32(version)
	return w.Bytes()
}

func encodeSuites(suites []suite.Suite) []byte {
	w := wire.NewWriter()
	wire.WriteArray(w, len(suites), func(i int) error {
		w.PutUint32(uint32(suites[i]))
		return nil
	})
	return w.Bytes()
}

func decodeSuites(data []byte) ([]suite.Suite, error) {
	r := wire.NewReader(data)
	var out []suite.Suite
	_, err := wire.ReadArray(r, 16, func(i int) error {
		v, err := r.Uint32()
		if err != nil {
			return err
		}
		out = append(out, suite.Suite(v))
		return nil
	})
	return out, err
}

func encodeKeyExchange(s suite.Suite, ecdhePub []byte, certChain [][]byte, pskHint []byte) []byte {
	w := wire.NewWriter()
	w.PutUint32(uint32(s))
	w.PutBytes(ecdhePub)
	wire.WriteArray(w, len(certChain), func(i int) error {
		w.PutBytes(certChain[i])
		return nil
	})
	w.PutBytes(pskHint)
	return w.Bytes()
}

func encodeVerifier(v []byte) []byte {
	w := wire.NewWriter()
	w.PutBytes(v)
	return w.Bytes()
}

func encodeGenSessionKeyRequest(local, remote identity.GUID, nonceA string) []byte {
	w := wire.NewWriter()
	w.PutString(local.String())
	w.PutString(remote.String())
	w.PutString(nonceA)
	return w.Bytes()
}

func encodeGenSessionKeyReply(nonceB string, verifierB []byte) []byte {
	w := wire.NewWriter()
	w.PutString(nonceB)
	w.PutBytes(verifierB)
	return w.Bytes()
}

func encodeGroupKey(key [16]byte) []byte {
	w := wire.NewWriter()
	w.PutBytes(key[:])
	return w.Bytes()
}
