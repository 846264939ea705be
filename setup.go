// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PeerState is the handshake state of one peer.
type PeerState int

// Handshake states
const (
	StateUnconfigured PeerState = iota
	StateConfiguring
	StateReady
	StateFallenBack
)

func (s PeerState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateFallenBack:
		return "fallen-back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SetupReceiver configures relay URL and token of id and starts the
// handshake. For Parent the defaults come from the router's location
// parameters; for a child they come from the child's source URL.
func (r *Router) SetupReceiver(id PeerID, opts ...ReceiverOption) error {
	o := &receiverOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if id == Parent {
		return r.setupParent(o)
	}
	return r.setupChild(id, o)
}

func (r *Router) setupParent(o *receiverOptions) error {
	token := o.token
	if !o.hasToken {
		token = r.params.Get("rpctoken")
		if token == "" {
			token = r.params.Get("ifpctok")
		}
		if token == "" {
			token = r.parentToken
		}
	}
	forceSecure := o.forceSecure || r.forceSecure || paramTrue(r.params.Get("forcesecure"))

	if r.parentRelayURL != "" && o.relayURL == "" {
		relay := resolveParentRelay(r.expandRelay(r.parentRelayURL, Parent, token), r.params.Get("parent"))
		r.SetRelayURL(Parent, relay, r.parentLegacy)
		if r.parentLegacy {
			r.usePolling()
		}
		r.SetAuthToken(Parent, token, forceSecure)
		return nil
	}

	relay := o.relayURL
	if relay == "" {
		relay = r.params.Get("parent")
	}
	if relay == "" {
		return fmt.Errorf("%w: %s", ErrNoRelay, Parent)
	}
	r.SetRelayURL(Parent, r.expandRelay(relay, Parent, token), false)
	r.SetAuthToken(Parent, token, forceSecure)
	return nil
}

func (r *Router) setupChild(id PeerID, o *receiverOptions) error {
	src := ""
	if r.env.Frames != nil {
		u, ok := r.env.Frames.ChildURL(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownReceiver, id)
		}
		src = u
	} else if o.relayURL == "" {
		return fmt.Errorf("%w: %s", ErrUnknownReceiver, id)
	}

	relay := o.relayURL
	if relay == "" {
		relay = src
	}
	params := URLParams(src)
	token := o.token
	if !o.hasToken {
		token = params.Get("rpctoken")
	}
	forceSecure := o.forceSecure || paramTrue(params.Get("forcesecure"))

	r.SetRelayURL(id, r.expandRelay(relay, id, token), false)
	r.SetAuthToken(id, token, forceSecure)
	return nil
}

// expandRelay fills a relay URL template for id, taking {host} from
// this context's location.
func (r *Router) expandRelay(relay string, id PeerID, token string) string {
	if !strings.Contains(relay, "{") {
		return relay
	}
	host := ""
	if u, err := url.Parse(r.env.Location); err == nil {
		host = u.Host
	}
	return ExpandRelayURL(relay, host, id, token)
}

// SetAuthToken establishes the token of id and starts its handshake.
func (r *Router) SetAuthToken(id PeerID, token string, forceSecure bool) {
	r.mu.Lock()
	p := r.peerLocked(id)
	p.token = token
	p.forceSecure = forceSecure
	r.mu.Unlock()
	r.setupPeer(id)
}

// setupPeer starts the attempt loop unless one is running or done.
func (r *Router) setupPeer(id PeerID) {
	r.mu.Lock()
	p := r.peerLocked(id)
	if p.handshaking || p.setupDone {
		r.mu.Unlock()
		return
	}
	p.handshaking = true
	p.attempt = 0
	if p.state == StateUnconfigured {
		p.state = StateConfiguring
	}
	r.mu.Unlock()
	r.attemptSetup(id)
}

// attemptSetup runs one handshake attempt and arms its watchdog.
func (r *Router) attemptSetup(id PeerID) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok || !p.handshaking || r.unloading {
		r.mu.Unlock()
		return
	}
	tx := r.transport
	token, forceSecure, attempt := p.token, p.forceSecure, p.attempt
	r.mu.Unlock()

	done := false
	if r.exists(id) {
		done = tx.Setup(id, token, forceSecure)
	}

	r.mu.Lock()
	p, ok = r.peers[id]
	if !ok || !p.handshaking || p.attempt != attempt {
		r.mu.Unlock()
		return
	}
	if p.state == StateReady {
		r.finishSetupLocked(p)
		r.mu.Unlock()
		return
	}
	if done {
		// id is reachable now.
		r.mu.Unlock()
		r.transportReady(id, true)
		return
	}
	if attempt >= r.setupMaxTries {
		r.mu.Unlock()
		r.fallBack(id)
		return
	}
	r.logger.Debug("handshake pending", "peer", id, "attempt", attempt)
	p.timer = r.after(r.setupTimeout, func() { r.setupTimedOut(id, attempt) })
	r.mu.Unlock()
}

func (r *Router) setupTimedOut(id PeerID, attempt int) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok || !p.handshaking || p.attempt != attempt {
		r.mu.Unlock()
		return
	}
	if p.state == StateReady {
		r.finishSetupLocked(p)
		r.mu.Unlock()
		return
	}
	if attempt >= r.setupMaxTries {
		r.mu.Unlock()
		r.fallBack(id)
		return
	}
	p.attempt++
	r.mu.Unlock()
	r.attemptSetup(id)
}

func (r *Router) finishSetupLocked(p *peer) {
	p.handshaking = false
	p.setupDone = true
	p.timer.Stop()
	p.timer = nil
}

// fallBack ends the handshake of id for good.
func (r *Router) fallBack(id PeerID) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	attempts := p.attempt + 1
	r.finishSetupLocked(p)
	r.mu.Unlock()

	r.logger.Warn("handshake failed, falling back to noop", "peer", id, "attempts", attempts)
	r.violation(id, SecurityLoadTimeout)
	r.transportReady(id, false)
}

// transportReady is the readiness callback handed to transports.
func (r *Router) transportReady(id PeerID, success bool) {
	r.mu.Lock()
	p := r.peerLocked(id)
	if p.state == StateReady || p.state == StateFallenBack {
		r.mu.Unlock()
		return
	}
	if success {
		p.state = StateReady
		p.tx = r.transport
		if p.handshaking {
			r.finishSetupLocked(p)
		}
	} else {
		p.state = StateFallenBack
		p.tx = r.noop
	}
	p.flushing = true
	r.mu.Unlock()

	r.logger.Debug("peer ready", "peer", id, "success", success)
	r.flush(id, p)
}

// flush drains the early queue of p in order. Calls made while it runs
// join the queue, so ordering holds even under re-entrancy.
func (r *Router) flush(id PeerID, p *peer) {
	for {
		r.mu.Lock()
		if len(p.queue) == 0 {
			p.flushing = false
			r.mu.Unlock()
			return
		}
		env := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		env.Token = p.token
		tx := p.tx
		if p.legacy && tx != r.noop {
			tx = r.polling
		}
		r.mu.Unlock()
		r.send(id, env, tx)
	}
}

// paramTrue interprets a location flag parameter.
func paramTrue(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v != ""
}
