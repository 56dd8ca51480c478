// peerd is a minimal demonstration binary for the secure peering core: it
// wires a bus.BusAttachment over a plain TCP connection and drives one
// handshake to completion, end to end, as either the initiator or the
// responder.
//
// Usage:
//
//	peerd -listen :7946 -name ":1.1"
//	peerd -connect localhost:7946 -name ":1.2"
//
// This binary exists only to prove the stack wires together; a real
// deployment's transport framing and message-layer codec are the external
// collaborators spec section 6 leaves out of scope. peerd fills that gap
// with encoding/gob purely as connection plumbing between the two demo
// processes, not as a stand-in for the handshake's own wire format (that
// remains pkg/wire, exercised internally by pkg/handshake for the
// conversation hash regardless of how peerd happens to ship bytes).
package main

import (
	"context"
	"crypto/rand"
	"encoding/gob"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"

	"github.com/wirebus/peercore/pkg/acltable"
	"github.com/wirebus/peercore/pkg/bus"
	"github.com/wirebus/peercore/pkg/credstore"
	"github.com/wirebus/peercore/pkg/handshake"
	"github.com/wirebus/peercore/pkg/identity"
	"github.com/wirebus/peercore/pkg/policy"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "", "accept one inbound connection on this address and act as responder")
		connectAddr = flag.String("connect", "", "dial this address and act as initiator")
		uniqueName  = flag.String("name", ":1.0", "this attachment's bus-local unique name")
	)
	flag.Parse()

	if (*listenAddr == "") == (*connectAddr == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -listen or -connect is required")
		os.Exit(2)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	log := loggerFactory.NewLogger("peerd")

	attachment, err := bus.New(bus.Config{
		LocalGUID:       randomGUID(),
		LocalUniqueName: *uniqueName,
		AuthVersion:     4,
		Objects:         demoObjects(),
		Credentials:     credstore.NewMemoryStore(),
		LoggerFactory:   loggerFactory,
	})
	if err != nil {
		log.Errorf("build attachment: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	if *listenAddr != "" {
		go runResponder(attachment, *listenAddr, log, done)
	} else {
		go runInitiator(attachment, *connectAddr, log, done)
	}

	select {
	case err := <-done:
		if err != nil {
			log.Errorf("handshake: %v", err)
			os.Exit(1)
		}
		log.Info("handshake complete")
	case <-ctx.Done():
		log.Info("interrupted")
	}
}

func randomGUID() identity.GUID {
	var g identity.GUID
	_, _ = rand.Read(g[:])
	return g
}

// demoObjects registers a single secure method so the access control table
// and gate have something to arbitrate once a peer is admitted; a real
// deployment builds this list from its actual introspected object tree.
func demoObjects() []acltable.ObjectEntry {
	return []acltable.ObjectEntry{
		{
			ListIdx: 0, ObjIdx: 0, IfcIdx: 0, MemberIdx: 0,
			Object: "/peer", Iface: "core.Peering", Member: "Ping",
			Type:   policy.MemberMethod,
			Secure: true,
		},
	}
}

func runInitiator(b *bus.BusAttachment, addr string, log logging.LeveledLogger, done chan<- error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		done <- fmt.Errorf("dial: %w", err)
		return
	}
	defer conn.Close()

	log.Infof("connected to %s, starting handshake", addr)
	mgr := b.NewInitiator()
	enc, dec := gob.NewEncoder(conn), gob.NewDecoder(conn)

	req, err := mgr.Start()
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(req); err != nil {
		done <- err
		return
	}

	var guidsReply handshake.GUIDsReply
	if err := dec.Decode(&guidsReply); err != nil {
		done <- err
		return
	}
	resuming, suitesReq, sessionReq, err := mgr.HandleGUIDsReply(&guidsReply)
	if err != nil {
		done <- err
		return
	}
	if resuming {
		// Fresh demo stores never have a cached secret, but the branch is
		// kept faithful to the state machine rather than special-cased away.
		if err := enc.Encode(sessionReq); err != nil {
			done <- err
			return
		}
	} else {
		if err := enc.Encode(suitesReq); err != nil {
			done <- err
			return
		}
	}

	var suitesReply handshake.SuitesReply
	if err := dec.Decode(&suitesReply); err != nil {
		done <- err
		return
	}
	keReq, err := mgr.HandleSuitesReply(&suitesReply)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(keReq); err != nil {
		done <- err
		return
	}

	var keReply handshake.KeyExchangeReply
	if err := dec.Decode(&keReply); err != nil {
		done <- err
		return
	}
	kaReq, err := mgr.HandleKeyExchangeReply(&keReply)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(kaReq); err != nil {
		done <- err
		return
	}

	var kaReply handshake.KeyAuthReply
	if err := dec.Decode(&kaReply); err != nil {
		done <- err
		return
	}
	gskReq, err := mgr.HandleKeyAuthReply(&kaReply)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(gskReq); err != nil {
		done <- err
		return
	}

	var gskReply handshake.GenSessionKeyReply
	if err := dec.Decode(&gskReply); err != nil {
		done <- err
		return
	}
	gkReq, err := mgr.HandleGenSessionKeyReply(&gskReply)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(gkReq); err != nil {
		done <- err
		return
	}

	var gkReply handshake.GroupKeysReply
	if err := dec.Decode(&gkReply); err != nil {
		done <- err
		return
	}
	manReq, err := mgr.HandleGroupKeysReply(&gkReply)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(manReq); err != nil {
		done <- err
		return
	}

	var manReply handshake.ManifestReply
	if err := dec.Decode(&manReply); err != nil {
		done <- err
		return
	}
	memReq, err := mgr.HandleManifestReply(&manReply)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(memReq); err != nil {
		done <- err
		return
	}

	var memReply handshake.MembershipsReply
	if err := dec.Decode(&memReply); err != nil {
		done <- err
		return
	}
	if _, err := mgr.HandleMembershipsReply(&memReply); err != nil {
		done <- err
		return
	}
	done <- nil
}

func runResponder(b *bus.BusAttachment, addr string, log logging.LeveledLogger, done chan<- error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		done <- fmt.Errorf("listen: %w", err)
		return
	}
	defer ln.Close()
	log.Infof("listening on %s", addr)

	conn, err := ln.Accept()
	if err != nil {
		done <- fmt.Errorf("accept: %w", err)
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(handshake.MaxHandshakeTime))
	log.Infof("accepted connection from %s, waiting for handshake", conn.RemoteAddr())

	mgr := b.NewResponder()
	enc, dec := gob.NewEncoder(conn), gob.NewDecoder(conn)

	var req handshake.GUIDsRequest
	if err := dec.Decode(&req); err != nil {
		done <- err
		return
	}
	reply, err := mgr.HandleGUIDsRequest(&req)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(reply); err != nil {
		done <- err
		return
	}

	var suitesReq handshake.SuitesRequest
	if err := dec.Decode(&suitesReq); err != nil {
		done <- err
		return
	}
	suitesReply, err := mgr.HandleSuitesRequest(&suitesReq)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(suitesReply); err != nil {
		done <- err
		return
	}

	var keReq handshake.KeyExchangeRequest
	if err := dec.Decode(&keReq); err != nil {
		done <- err
		return
	}
	keReply, err := mgr.HandleKeyExchangeRequest(&keReq)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(keReply); err != nil {
		done <- err
		return
	}

	var kaReq handshake.KeyAuthRequest
	if err := dec.Decode(&kaReq); err != nil {
		done <- err
		return
	}
	kaReply, err := mgr.HandleKeyAuthRequest(&kaReq)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(kaReply); err != nil {
		done <- err
		return
	}

	var gskReq handshake.GenSessionKeyRequest
	if err := dec.Decode(&gskReq); err != nil {
		done <- err
		return
	}
	gskReply, err := mgr.HandleGenSessionKeyRequest(&gskReq)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(gskReply); err != nil {
		done <- err
		return
	}

	var gkReq handshake.GroupKeysRequest
	if err := dec.Decode(&gkReq); err != nil {
		done <- err
		return
	}
	gkReply, err := mgr.HandleGroupKeysRequest(&gkReq)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(gkReply); err != nil {
		done <- err
		return
	}

	var manReq handshake.ManifestRequest
	if err := dec.Decode(&manReq); err != nil {
		done <- err
		return
	}
	manReply, err := mgr.HandleManifestRequest(&manReq)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(manReply); err != nil {
		done <- err
		return
	}

	var memReq handshake.MembershipsRequest
	if err := dec.Decode(&memReq); err != nil {
		done <- err
		return
	}
	memReply, err := mgr.HandleMembershipsRequest(&memReq)
	if err != nil {
		done <- err
		return
	}
	if err := enc.Encode(memReply); err != nil {
		done <- err
		return
	}
	done <- nil
}
