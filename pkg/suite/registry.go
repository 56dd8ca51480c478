// Package suite implements the cipher-suite registry and negotiation rules
// from spec section 4.B: which of ECDHE_NULL, ECDHE_PSK, ECDHE_ECDSA are
// enabled for a bus attachment, and in what priority order the initiator
// picks among the intersection offered by both sides.
package suite

import "github.com/wirebus/peercore/pkg/convhash"

// Suite identifies a key-exchange/authentication combination.
type Suite uint32

const (
	ECDHENull  Suite = 0x0000
	ECDHEPSK   Suite = 0x0001
	ECDHEECDSA Suite = 0x0002
)

func (s Suite) String() string {
	switch s {
	case ECDHENull:
		return "ECDHE_NULL"
	case ECDHEPSK:
		return "ECDHE_PSK"
	case ECDHEECDSA:
		return "ECDHE_ECDSA"
	default:
		return "UNKNOWN"
	}
}

// priority lists suites from highest to lowest preference: ECDSA > PSK > NULL.
var priority = []Suite{ECDHEECDSA, ECDHEPSK, ECDHENull}

// Registry tracks which suites a bus attachment supports.
type Registry struct {
	enableNULL  bool
	enablePSK   bool
	enableECDSA bool

	// hasPasswordCallback mirrors spec 4.B: PSK is auto-enabled once an
	// out-of-band password callback is registered, without a separate
	// explicit enable call.
	hasPasswordCallback bool
}

// NewRegistry creates a registry with NULL enabled (the universal fallback)
// and PSK/ECDSA disabled until explicitly turned on.
func NewRegistry() *Registry {
	return &Registry{enableNULL: true}
}

// EnableECDSA turns on ECDHE_ECDSA, typically once identity credentials are
// present in the credential store.
func (r *Registry) EnableECDSA(enable bool) {
	r.enableECDSA = enable
}

// SetPasswordCallback records whether an out-of-band PSK password callback
// has been registered; a non-nil callback auto-enables ECDHE_PSK.
func (r *Registry) SetPasswordCallback(hasCallback bool) {
	r.hasPasswordCallback = hasCallback
	r.enablePSK = hasCallback
}

// EnableNULL controls whether the unauthenticated suite may be offered at
// all; disabling it removes the handshake's only guaranteed fallback and
// should only be done when every peer is known to support an authenticated
// suite.
func (r *Registry) EnableNULL(enable bool) {
	r.enableNULL = enable
}

// Enabled returns the suites offered by this registry, restricted to those
// supported under the given negotiated auth version, in priority order
// (highest first).
func (r *Registry) Enabled(version convhash.Version) []Suite {
	out := make([]Suite, 0, len(priority))
	for _, s := range priority {
		if r.supports(s) {
			out = append(out, s)
		}
	}
	_ = version // all three suites are supported at every version in [2,4]
	return out
}

func (r *Registry) supports(s Suite) bool {
	switch s {
	case ECDHENull:
		return r.enableNULL
	case ECDHEPSK:
		return r.enablePSK
	case ECDHEECDSA:
		return r.enableECDSA
	default:
		return false
	}
}

// Negotiate computes the intersection of locally offered and peer-offered
// suites and returns the initiator's chosen suite: the highest-priority
// entry common to both sets. ok is false if there is no common suite.
func Negotiate(local, peer []Suite) (chosen Suite, ok bool) {
	peerSet := make(map[Suite]bool, len(peer))
	for _, s := range peer {
		peerSet[s] = true
	}
	for _, s := range priority {
		if peerSet[s] {
			for _, l := range local {
				if l == s {
					return s, true
				}
			}
		}
	}
	return 0, false
}

// Fallback returns the downgraded suite to retry KeyExchange with after an
// ECDSA or PSK key-exchange failure, per spec section 4.I: ECDSA/PSK fall
// back to NULL exactly once; NULL itself has no further fallback.
func Fallback(failed Suite) (Suite, bool) {
	if failed == ECDHENull {
		return 0, false
	}
	return ECDHENull, true
}
