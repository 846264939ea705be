// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/framerpc/clock"
)

// CallStatus reports what Call did with an envelope.
type CallStatus int

// Call outcomes
const (
	StatusSent        CallStatus = iota // handed to the peer's transport
	StatusQueued                        // held until the peer is ready
	StatusSameContext                   // delivered without a transport
	StatusNoTarget                      // no such peer in the environment
	StatusFallback                      // transport failed, resent through the default
	StatusDropped                       // peer is on the no-op transport
)

func (s CallStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusQueued:
		return "queued"
	case StatusSameContext:
		return "same-context"
	case StatusNoTarget:
		return "no-target"
	case StatusFallback:
		return "fallback"
	case StatusDropped:
		return "dropped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// peer is everything the router knows about one counterpart.
type peer struct {
	relayURL    string
	legacy      bool
	token       string
	forceSecure bool

	state       PeerState
	attempt     int
	handshaking bool
	setupDone   bool
	timer       *clock.Timer

	tx       Transport // nil until ready
	queue    []*Envelope
	flushing bool

	sameChecked bool
	same        SameContextReceiver
}

// Router owns the service table, the per-peer state and the transports
// of one execution context.
type Router struct {
	env    Environment
	clock  clock.Clock
	logger *slog.Logger
	codec  Codec
	params url.Values
	origin string

	securityMode       SecurityMode
	onViolation        SecurityCallback
	setupTimeout       time.Duration
	setupMaxTries      int
	relaySearchTimeout time.Duration
	relayMaxPolls      int
	parentRelayURL     string
	parentLegacy       bool
	parentToken        string
	forceSecure        bool

	noop    Transport
	polling Transport

	mu        sync.Mutex
	transport Transport
	services  map[string]Handler
	peers     map[PeerID]*peer
	callbacks map[uint64]Callback
	callID    uint64
	unloading bool
}

// New creates a router for env, selects and initializes its transport
// and, in a child context, starts the parent handshake.
func New(env Environment, opts ...Option) *Router {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.codec == nil {
		o.codec = defaultCodec
	}

	r := &Router{
		env:                env,
		clock:              o.clock,
		logger:             o.logger.With("component", "framerpc", "id", string(env.ID)),
		codec:              o.codec,
		params:             URLParams(env.Location),
		origin:             Origin(env.Location, scheme(env.Location)),
		securityMode:       o.securityMode,
		onViolation:        o.onViolation,
		setupTimeout:       o.setupTimeout,
		setupMaxTries:      o.setupMaxTries,
		relaySearchTimeout: o.relaySearchTimeout,
		relayMaxPolls:      o.relayMaxPolls,
		parentRelayURL:     o.parentRelayURL,
		parentLegacy:       o.parentLegacy,
		parentToken:        o.parentToken,
		forceSecure:        o.forceSecure,
		services:           make(map[string]Handler),
		peers:              make(map[PeerID]*peer),
		callbacks:          make(map[uint64]Callback),
	}
	r.services[CallbackService] = r.handleCallback
	r.services[DefaultService] = r.handleUnknown

	code := o.transport
	if code == "" {
		code = SelectTransport(env.Capabilities)
	}
	if r.parentRelayURL != "" && r.parentLegacy {
		code = TransportPolling
	}
	r.noop = newNoopTransport(r)
	r.transport = newTransport(code, r)
	if r.transport.Code() == TransportPolling {
		r.polling = r.transport
	} else {
		// Legacy peers always use polling; this instance must not
		// promote anyone on its own.
		r.polling = newPollingTransport(r)
		r.polling.Init(r.process, func(PeerID, bool) {})
	}
	if !r.transport.Init(r.process, r.transportReady) {
		r.logger.Warn("transport init failed, using noop", "transport", r.transport.Code())
		r.transport = r.noop
		r.noop.Init(r.process, r.transportReady)
	}
	r.logger.Debug("router initialized", "transport", r.transport.Code(), "child", env.IsChild)

	if env.IsChild {
		if err := r.SetupReceiver(Parent); err != nil {
			r.logger.Debug("no parent to set up", "error", err)
		}
	}
	return r
}

// Register binds handler to service.
func (r *Router) Register(service string, handler Handler) error {
	if err := checkServiceName(service); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[service] = handler
	return nil
}

// Unregister removes the handler bound to service.
func (r *Router) Unregister(service string) error {
	if err := checkServiceName(service); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, service)
	return nil
}

// RegisterDefault installs the handler for services nobody registered.
func (r *Router) RegisterDefault(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[DefaultService] = handler
}

// UnregisterDefault removes the default handler; envelopes for unknown
// services are then dropped.
func (r *Router) UnregisterDefault() {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, DefaultService)
}

func checkServiceName(service string) error {
	switch service {
	case CallbackService, AckService:
		return fmt.Errorf("%w: %q", ErrReservedService, service)
	case DefaultService:
		return ErrDefaultService
	}
	return nil
}

// Call sends service(args...) to target. An empty target is the
// parent. cb, when non-nil, receives the single reply.
func (r *Router) Call(target PeerID, service string, cb Callback, args ...any) CallStatus {
	if target == "" {
		target = Parent
	}
	from := Parent
	if target == Parent {
		from = r.env.ID
	}

	r.mu.Lock()
	r.callID++
	id := r.callID
	r.mu.Unlock()

	if !r.exists(target) {
		r.logger.Warn("attempted send to nonexistent frame", "peer", target, "service", service)
		return StatusNoTarget
	}

	env := &Envelope{
		Service: service,
		From:    from,
		Args:    append([]any(nil), args...),
	}
	r.mu.Lock()
	if cb != nil {
		r.callbacks[id] = cb
		env.CallbackID = id
	}
	p := r.peerLocked(target)
	env.Token = p.token
	env.Legacy = p.legacy
	r.mu.Unlock()

	if recv := r.sameContext(target); recv != nil {
		recv.ReceiveSameContext(env.clone())
		return StatusSameContext
	}
	return r.route(target, env)
}

// route sends env through the peer's transport or queues it.
func (r *Router) route(target PeerID, env *Envelope) CallStatus {
	r.mu.Lock()
	p := r.peerLocked(target)
	if p.tx == nil || p.flushing {
		p.queue = append(p.queue, env)
		r.mu.Unlock()
		r.logger.Debug("queued until ready", "peer", target, "service", env.Service)
		return StatusQueued
	}
	tx := p.tx
	if p.legacy && tx != r.noop {
		tx = r.polling
	}
	r.mu.Unlock()
	return r.send(target, env, tx)
}

// send hands env to tx. A hard failure demotes the peer to noop and
// resends once through the default transport.
func (r *Router) send(target PeerID, env *Envelope, tx Transport) CallStatus {
	if tx == r.noop {
		tx.Call(target, env.From, env)
		return StatusDropped
	}
	if tx.Call(target, env.From, env) {
		return StatusSent
	}
	r.logger.Warn("send failed, falling back", "peer", target, "transport", tx.Code(), "service", env.Service)
	r.mu.Lock()
	if p, ok := r.peers[target]; ok {
		p.tx = r.noop
		p.state = StateFallenBack
	}
	def := r.transport
	r.mu.Unlock()
	def.Call(target, env.From, env)
	return StatusFallback
}

// process is the inbound path shared by every transport.
func (r *Router) process(env *Envelope) {
	if env == nil {
		return
	}
	if !r.checkToken(env.From, env.Token) {
		return
	}
	if env.IsAck() {
		from := env.From
		r.clock.Post(func() { r.transportReady(from, true) })
		return
	}
	r.dispatch(env)
}

func (r *Router) dispatch(env *Envelope) {
	r.mu.Lock()
	h, ok := r.services[env.Service]
	if !ok {
		h = r.services[DefaultService]
	}
	r.mu.Unlock()
	if h == nil {
		r.logger.Debug("dropping envelope for unknown service", "service", env.Service, "peer", env.From)
		return
	}

	req := &Request{
		Service:    env.Service,
		From:       env.From,
		Args:       env.Args,
		callbackID: env.CallbackID,
	}
	if env.CallbackID != 0 {
		from, id := env.From, env.CallbackID
		req.reply = func(result any) {
			r.Call(from, CallbackService, nil, id, result)
		}
	}
	h(req)
}

func (r *Router) handleCallback(req *Request) {
	if len(req.Args) == 0 {
		return
	}
	id, ok := callbackID(req.Args[0])
	if !ok {
		return
	}
	var result any
	if len(req.Args) > 1 {
		result = req.Args[1]
	}
	r.mu.Lock()
	cb := r.callbacks[id]
	delete(r.callbacks, id)
	r.mu.Unlock()
	if cb != nil {
		cb(result)
	}
}

func (r *Router) handleUnknown(req *Request) {
	r.logger.Warn("unknown service", "service", req.Service, "peer", req.From)
}

// ReceiveSameContext accepts an envelope from a router in this very
// execution context. Delivery is deferred.
func (r *Router) ReceiveSameContext(env *Envelope) {
	r.clock.Post(func() { r.process(env) })
}

// Receive handles a relay page fragment: a polling frame carrying an
// envelope in its last '&' part, or a handshake frame
// target&source&token&data arriving through window.
func (r *Router) Receive(fragment string, window RelayWindow) {
	parts := strings.Split(fragment, "&")
	if len(parts) > 4 {
		env, err := decodeFrameData(parts)
		if err != nil {
			r.logger.Debug("ignoring relay frame", "error", err)
			return
		}
		r.process(env)
		return
	}
	r.relayOnload(parts, window)
}

func (r *Router) relayOnload(parts []string, window RelayWindow) {
	if len(parts) < 3 {
		r.logger.Debug("ignoring short relay fragment", "parts", len(parts))
		return
	}
	source := PeerID(parts[1])
	token := parts[2]

	r.mu.Lock()
	expected := ""
	forceSecure := false
	if p := r.peers[source]; p != nil {
		expected = p.token
		forceSecure = p.forceSecure
	}
	mode := r.securityMode
	tx := r.transport
	r.mu.Unlock()

	if expected == "" || expected != token {
		r.logger.Error("invalid auth token in relay frame", "peer", source)
		r.violation(source, SecurityForgedMessage)
		if mode == SecurityReject || forceSecure {
			return
		}
	}
	r.hookRelayWindow(source, window)

	var data any
	if len(parts) > 3 && parts[3] != "" {
		if raw, err := url.QueryUnescape(parts[3]); err == nil {
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				data = nil
			}
		}
	}
	if rl, ok := tx.(relayLoader); ok {
		rl.RelayOnload(source, data)
	}
}

// RemoveReceiver forgets everything about peer.
func (r *Router) RemoveReceiver(id PeerID) {
	r.mu.Lock()
	p := r.peers[id]
	delete(r.peers, id)
	tx := r.transport
	r.mu.Unlock()
	if p != nil {
		p.timer.Stop()
	}
	if rel, ok := tx.(peerReleaser); ok {
		rel.Release(id)
	}
	if rel, ok := r.polling.(peerReleaser); ok && r.polling != tx {
		rel.Release(id)
	}
}

// SetRelayURL sets the relay URL of peer, completed against the
// router's own location. legacy selects the positional encoding.
func (r *Router) SetRelayURL(id PeerID, relayURL string, legacy bool) {
	relayURL = normalizeRelayURL(relayURL, r.env.Location)
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peerLocked(id)
	p.relayURL = relayURL
	p.legacy = legacy
}

// RelayURL returns the relay URL of peer, or "".
func (r *Router) RelayURL(id PeerID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peers[id]; p != nil {
		return p.relayURL
	}
	return ""
}

// UpdateAuthToken replaces the token of peer without a new handshake.
func (r *Router) UpdateAuthToken(id PeerID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerLocked(id).token = token
}

// AuthToken returns the token established for peer.
func (r *Router) AuthToken(id PeerID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peers[id]; p != nil {
		return p.token
	}
	return ""
}

// ForceParentVerifiable switches to invisible-frame polling when the
// selected transport cannot vouch for the parent's origin.
func (r *Router) ForceParentVerifiable() {
	r.mu.Lock()
	tx := r.transport
	r.mu.Unlock()
	if !tx.IsParentVerifiable(Parent) {
		r.usePolling()
	}
}

func (r *Router) usePolling() {
	r.mu.Lock()
	if r.transport == r.polling {
		r.mu.Unlock()
		return
	}
	r.transport = r.polling
	r.mu.Unlock()
	r.polling.Init(r.process, r.transportReady)
}

// ReceiverOrigin returns the verified origin of peer. ok is false while
// the peer has no transport or its transport cannot verify it.
func (r *Router) ReceiverOrigin(id PeerID) (origin string, ok bool) {
	r.mu.Lock()
	p := r.peers[id]
	if p == nil || p.tx == nil {
		r.mu.Unlock()
		return "", false
	}
	tx := p.tx
	relay := p.relayURL
	r.mu.Unlock()
	if !tx.IsParentVerifiable(id) {
		return "", false
	}
	if relay == "" {
		relay = r.params.Get("parent")
	}
	return Origin(relay, scheme(r.env.Location)), true
}

// RelayChannel returns the code of the default transport.
func (r *Router) RelayChannel() TransportCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport.Code()
}

// PeerState returns the handshake state of peer.
func (r *Router) PeerState(id PeerID) PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peers[id]; p != nil {
		return p.state
	}
	return StateUnconfigured
}

// Unload marks the context as going away: relay windows closing from
// now on are not phishing, and pending handshake timers stop.
func (r *Router) Unload() {
	r.mu.Lock()
	r.unloading = true
	timers := make([]*clock.Timer, 0, len(r.peers))
	for _, p := range r.peers {
		timers = append(timers, p.timer)
		p.timer = nil
	}
	r.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

func (r *Router) peerLocked(id PeerID) *peer {
	p, ok := r.peers[id]
	if !ok {
		p = &peer{}
		r.peers[id] = p
	}
	return p
}

// exists reports whether target is addressable from this context.
func (r *Router) exists(target PeerID) bool {
	if target == Parent || r.env.Frames == nil {
		return true
	}
	_, ok := r.env.Frames.ChildURL(target)
	return ok
}

// sameContext resolves, once per peer, whether target runs in this
// execution context.
func (r *Router) sameContext(target PeerID) SameContextReceiver {
	r.mu.Lock()
	p := r.peerLocked(target)
	if p.sameChecked {
		recv := p.same
		r.mu.Unlock()
		return recv
	}
	p.sameChecked = true
	relay := p.relayURL
	r.mu.Unlock()

	if relay == "" && target == Parent {
		relay = r.params.Get("parent")
	}
	if r.env.Frames == nil || r.origin == "" || Origin(relay, scheme(r.env.Location)) != r.origin {
		return nil
	}
	recv := r.env.Frames.SameContext(target)
	if recv == nil {
		return nil
	}
	r.mu.Lock()
	if cur, ok := r.peers[target]; ok {
		cur.same = recv
	}
	r.mu.Unlock()
	return recv
}

// parentRelay returns the relay URL of peer, falling back to the
// "parent" parameter of the router's location.
func (r *Router) parentRelay(id PeerID) string {
	if relay := r.RelayURL(id); relay != "" {
		return relay
	}
	return r.params.Get("parent")
}

func (r *Router) isUnloading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unloading
}

// after runs f on the router clock after d unless the context unloaded.
func (r *Router) after(d time.Duration, f func()) *clock.Timer {
	return r.clock.AfterFunc(d, func() {
		if r.isUnloading() {
			return
		}
		f()
	})
}
