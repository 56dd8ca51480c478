package handshake

// Gate implements the access control gate from spec section 4.J: the
// callback a message layer invokes before emitting or accepting an
// ENCRYPTED message, arbitrating against the access table a completed
// handshake populated and rejecting replayed inbound serials.
//
// Thin wrapper grounded on acl/checker.go's Check return shape, operating
// over pkg/acltable; the replay-window half is grounded on
// pkg/replytable.Table's per-peer slot bookkeeping, generalized from a
// fixed reply-serial match to a sliding accept window via
// github.com/pion/transport/v3/replaydetector — the same library the
// pack's DTLS implementation uses to bound duplicate/out-of-order record
// sequence numbers, repurposed here to bound duplicate/out-of-order
// message serials per peer.
import (
	"sync"

	"github.com/pion/transport/v3/replaydetector"

	"github.com/wirebus/peercore/pkg/acltable"
	"github.com/wirebus/peercore/pkg/messagelayer"
)

// ReplayWindow is the sliding accept-window size for inbound serials, one
// per authenticated peer.
const ReplayWindow = 64

// Gate is the steady-state access control checkpoint for one bus
// attachment's access table, shared across every peer connected to it.
type Gate struct {
	table    *acltable.Table
	plumbing map[uint32]bool

	mu        sync.Mutex
	detectors map[int]replaydetector.ReplayDetector
}

// NewGate creates a Gate bound to the attachment's access table. plumbing
// lists message ids exempted from the "no row means deny" default (spec
// section 4.J: ExchangeGroupKeys and SendManifest specifically, since they
// may be sent ENCRYPTED over an interface that isn't itself secure-
// annotated and so never gets a table row).
func NewGate(table *acltable.Table, plumbing ...uint32) *Gate {
	g := &Gate{table: table, detectors: make(map[int]replaydetector.ReplayDetector), plumbing: make(map[uint32]bool, len(plumbing))}
	for _, id := range plumbing {
		g.plumbing[id] = true
	}
	return g
}

// Check is installed as the message layer's access callback (spec section
// 6: messagelayer.Layer.SetAccessCallback). outgoing is true when msg is
// about to be emitted, false when it was just received. Unencrypted
// traffic — the handshake's own plumbing messages — bypasses the table
// entirely, matching spec section 4.J's scope: the gate only arbitrates
// post-handshake application traffic.
func (g *Gate) Check(peerIdx int, msg messagelayer.Message, outgoing bool) error {
	if msg.Flags()&messagelayer.FlagEncrypted == 0 {
		return nil
	}
	row, ok := g.table.Lookup(acltable.MessageID(msg.MessageID()))
	if !ok {
		if g.plumbing[msg.MessageID()] {
			return nil
		}
		return newError(StatusNoMatch, "unknown member")
	}
	if !row.Admitted(peerIdx, outgoing) {
		return newError(StatusAccess, "not admitted")
	}
	if !outgoing {
		if err := g.checkReplay(peerIdx, uint64(msg.Serial())); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) checkReplay(peerIdx int, serial uint64) error {
	g.mu.Lock()
	det, ok := g.detectors[peerIdx]
	if !ok {
		det = replaydetector.New(ReplayWindow, ^uint64(0))
		g.detectors[peerIdx] = det
	}
	g.mu.Unlock()

	markValid, ok := det.Check(serial)
	if !ok {
		return newError(StatusSecurity, "replayed or stale serial")
	}
	markValid()
	return nil
}

// Forget drops a peer's replay-detection window, called on disconnect so a
// reused peer index starts clean instead of inheriting a stale high-water
// mark.
func (g *Gate) Forget(peerIdx int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.detectors, peerIdx)
}
