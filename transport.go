// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"sort"
	"sync"
)

// TransportCode identifies a transport variant.
type TransportCode string

// Transport codes
const (
	TransportNative    TransportCode = "wpm"  // native cross-context messaging
	TransportElement   TransportCode = "fe"   // direct frame-element handoff
	TransportScripting TransportCode = "nix"  // legacy scripting bridge, not implemented
	TransportRelay     TransportCode = "rmr"  // relay-and-poll over a RelayNetwork
	TransportPolling   TransportCode = "ifpc" // invisible-frame polling
	TransportNoop      TransportCode = "noop" // terminal fallback
)

// Transport is one channel strategy. Implementations are driven by a
// single Router and never call back into it while it holds its lock.
type Transport interface {
	// Code returns the variant tag.
	Code() TransportCode

	// IsParentVerifiable reports whether the transport can vouch for
	// the origin of messages from peer.
	IsParentVerifiable(peer PeerID) bool

	// Init installs the inbound and readiness callbacks. A false return
	// makes the router fall back to the no-op transport.
	Init(onReceive func(*Envelope), onReady func(PeerID, bool)) bool

	// Setup performs (one attempt of) the handshake with peer. It
	// returns true when peer can be called right away; transports that
	// learn readiness later return false and call onReady when they do.
	Setup(peer PeerID, token string, forceSecure bool) bool

	// Call sends env to peer. False signals a hard send failure.
	Call(peer, from PeerID, env *Envelope) bool
}

// relayLoader is implemented by transports that finish their handshake
// when a relay handshake frame arrives.
type relayLoader interface {
	RelayOnload(peer PeerID, data any)
}

// peerReleaser is implemented by transports that hold per-peer state.
type peerReleaser interface {
	Release(peer PeerID)
}

type transportFactory func(r *Router) Transport

var (
	transportsMu sync.RWMutex
	transports   = map[TransportCode]transportFactory{
		TransportNative:  newNativeTransport,
		TransportElement: newElementTransport,
		TransportRelay:   newRelayTransport,
		TransportPolling: newPollingTransport,
		TransportNoop:    newNoopTransport,
	}
)

// newTransport builds the variant registered under code. The legacy
// scripting bridge has no implementation and resolves to polling.
func newTransport(code TransportCode, r *Router) Transport {
	transportsMu.RLock()
	factory, ok := transports[code]
	transportsMu.RUnlock()
	if !ok {
		factory = newPollingTransport
	}
	return factory(r)
}

// AvailableTransports returns the registered transport codes, sorted.
func AvailableTransports() []TransportCode {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]TransportCode, 0, len(transports))
	for code := range transports {
		result = append(result, code)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// HasTransport checks if a transport is available
func HasTransport(code TransportCode) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[code]
	return ok
}

// Capabilities records the environment feature checks that drive
// transport selection.
type Capabilities struct {
	// NativeMessaging is set when a native cross-context message
	// primitive is present.
	NativeMessaging bool
	// LegacyScripting is set when only the legacy scripting bridge
	// engine is present.
	LegacyScripting bool
	// WebKit and Gecko are engine signatures.
	WebKit bool
	Gecko  bool
}

// SelectTransport is the ordered capability decision table. It is
// evaluated once per router. The legacy scripting row selects polling
// because the scripting bridge is not implemented.
func SelectTransport(c Capabilities) TransportCode {
	switch {
	case c.NativeMessaging:
		return TransportNative
	case c.LegacyScripting:
		return TransportPolling
	case c.WebKit:
		return TransportRelay
	case c.Gecko:
		return TransportElement
	default:
		return TransportPolling
	}
}
