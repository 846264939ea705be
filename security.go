// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"fmt"
	"strings"
)

// SecurityCode classifies a security violation.
type SecurityCode int

// Security violation codes
const (
	SecurityLoadTimeout   SecurityCode = iota // handshake never completed
	SecurityFramePhish                        // relay window of a live peer went away
	SecurityForgedMessage                     // token mismatch
)

func (c SecurityCode) String() string {
	switch c {
	case SecurityLoadTimeout:
		return "load-timeout"
	case SecurityFramePhish:
		return "frame-phish"
	case SecurityForgedMessage:
		return "forged-message"
	default:
		return fmt.Sprintf("security(%d)", int(c))
	}
}

// SecurityCallback is told about every violation. It runs without any
// router lock held and may call back into the router.
type SecurityCallback func(peer PeerID, code SecurityCode)

// SecurityMode decides what happens to a forged envelope after it has
// been reported.
type SecurityMode int

const (
	// SecurityReport dispatches forged envelopes anyway. Peers set up
	// forced-secure are always rejected.
	SecurityReport SecurityMode = iota
	// SecurityReject drops forged envelopes.
	SecurityReject
)

func (m SecurityMode) String() string {
	if m == SecurityReject {
		return "reject"
	}
	return "report"
}

// ParseSecurityMode parses "report" or "reject". The empty string is
// "report".
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch strings.ToLower(s) {
	case "", "report":
		return SecurityReport, nil
	case "reject":
		return SecurityReject, nil
	default:
		return SecurityReport, fmt.Errorf("framerpc: unknown security mode %q", s)
	}
}

// violation logs and reports a security event.
func (r *Router) violation(peer PeerID, code SecurityCode) {
	r.logger.Warn("security violation", "peer", peer, "code", code.String())
	if r.onViolation != nil {
		r.onViolation(peer, code)
	}
}

// checkToken compares token against the one established for peer. It
// returns whether the envelope may still be handled; a mismatch is
// always reported.
func (r *Router) checkToken(peer PeerID, token string) bool {
	r.mu.Lock()
	p := r.peers[peer]
	expected := ""
	forceSecure := false
	if p != nil {
		expected = p.token
		forceSecure = p.forceSecure
	}
	mode := r.securityMode
	r.mu.Unlock()

	if expected == "" || expected == token {
		return true
	}
	r.logger.Error("invalid auth token", "peer", peer)
	r.violation(peer, SecurityForgedMessage)
	return mode == SecurityReport && !forceSecure
}

// hookRelayWindow arms the frame-phishing check for a relay window.
func (r *Router) hookRelayWindow(peer PeerID, w RelayWindow) {
	if w == nil {
		return
	}
	w.OnUnload(func() {
		r.mu.Lock()
		p := r.peers[peer]
		live := p != nil && p.state != StateUnconfigured
		unloading := r.unloading
		r.mu.Unlock()
		if !live || unloading {
			return
		}
		r.violation(peer, SecurityFramePhish)
		r.RemoveReceiver(peer)
	})
}
