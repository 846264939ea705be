// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/framerpc/clock"
)

// PublishArgs carries one relay channel publication.
type PublishArgs struct {
	// From is the publisher's id as the receiver knows it.
	From     string `json:"from"`
	Fragment string `json:"fragment"`
}

// ReceiveArgs carries the fragment of a relay page load.
type ReceiveArgs struct {
	Fragment string `json:"fragment"`
}

// RelayReply acknowledges a relay request.
type RelayReply struct {
	OK bool `json:"ok"`
}

// relaySender moves relay requests to the process serving a relay URL.
type relaySender interface {
	publish(ctx context.Context, relayURL string, args *PublishArgs) error
	receive(ctx context.Context, relayURL string, args *ReceiveArgs) error
	close() error
}

// RelayOption configures a Relay
type RelayOption func(*relayOptions)

type relayOptions struct {
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration
	headers http.Header
	retries int
	backoff time.Duration
}

// WithRelayClock sets the clock that defers watcher notifications and
// paces request retries. Use the router's clock.
func WithRelayClock(c clock.Clock) RelayOption {
	return func(o *relayOptions) { o.clock = c }
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(o *relayOptions) { o.logger = l }
}

// WithRelayTimeout bounds every outbound relay request.
func WithRelayTimeout(d time.Duration) RelayOption {
	return func(o *relayOptions) { o.timeout = d }
}

// WithRelayRetry sets how often a dropped HTTP relay request is sent
// again, and the pause before the first retry. Pauses double.
func WithRelayRetry(backoff time.Duration, retries int) RelayOption {
	return func(o *relayOptions) {
		o.backoff = backoff
		o.retries = retries
	}
}

// WithRelayHeader adds a header to outbound HTTP relay requests.
func WithRelayHeader(key, value string) RelayOption {
	return func(o *relayOptions) { o.headers.Add(key, value) }
}

type relayFactory func(o *relayOptions) (relaySender, error)

var (
	relayNetworksMu sync.RWMutex
	relayNetworks   = map[string]relayFactory{
		"http": newHTTPSender,
	}
)

// registerRelayNetwork registers a relay substrate (for build tags).
func registerRelayNetwork(name string, f relayFactory) {
	relayNetworksMu.Lock()
	defer relayNetworksMu.Unlock()
	relayNetworks[name] = f
}

// AvailableRelayNetworks returns the registered relay substrates.
func AvailableRelayNetworks() []string {
	relayNetworksMu.RLock()
	defer relayNetworksMu.RUnlock()
	result := make([]string, 0, len(relayNetworks))
	for name := range relayNetworks {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Relay is a RelayNetwork and Navigator that reaches relay pages served
// by other processes. self is this context's id as its parent knows it.
type Relay struct {
	self    PeerID
	sender  relaySender
	clock   clock.Clock
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	router   *Router
	channels map[PeerID]*inboxChannel
}

type inboxChannel struct {
	fragment string
	watchers []func(string)
}

// NewRelay creates a relay over the named substrate ("http", or "grpc"
// when built with the grpc tag).
func NewRelay(network string, self PeerID, opts ...RelayOption) (*Relay, error) {
	o := &relayOptions{
		timeout: 30 * time.Second,
		headers: http.Header{},
		retries: 2,
		backoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	relayNetworksMu.RLock()
	factory, ok := relayNetworks[network]
	relayNetworksMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("framerpc: unknown relay network %q", network)
	}
	sender, err := factory(o)
	if err != nil {
		return nil, err
	}
	return &Relay{
		self:     self,
		sender:   sender,
		clock:    o.clock,
		logger:   o.logger.With("component", "relay", "network", network),
		timeout:  o.timeout,
		channels: make(map[PeerID]*inboxChannel),
	}, nil
}

// Attach sets the router that handles relay page loads.
func (r *Relay) Attach(router *Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.router = router
}

// Open implements RelayNetwork.
func (r *Relay) Open(peer PeerID, relayURL string) (RelayLink, error) {
	if relayURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRelay, peer)
	}
	from := Parent
	if peer == Parent {
		from = r.self
	}
	return &relayLink{relay: r, from: from}, nil
}

// Watch implements RelayNetwork.
func (r *Relay) Watch(peer PeerID, onChange func(fragment string)) bool {
	r.mu.Lock()
	ch, ok := r.channels[peer]
	if !ok || ch.fragment == "" {
		r.mu.Unlock()
		return false
	}
	ch.watchers = append(ch.watchers, onChange)
	r.mu.Unlock()
	r.clock.Post(func() { onChange(r.current(peer)) })
	return true
}

func (r *Relay) current(peer PeerID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[peer]; ok {
		return ch.fragment
	}
	return ""
}

// NewFrame implements Navigator.
func (r *Relay) NewFrame() Frame { return &relayFrame{relay: r} }

// Close releases outbound connections.
func (r *Relay) Close() error { return r.sender.close() }

// handlePublish stores an inbound publication and notifies watchers
// later, never inside the publisher's request.
func (r *Relay) handlePublish(args *PublishArgs) {
	from := PeerID(args.From)
	r.mu.Lock()
	ch, ok := r.channels[from]
	if !ok {
		ch = &inboxChannel{}
		r.channels[from] = ch
	}
	ch.fragment = args.Fragment
	watchers := slices.Clone(ch.watchers)
	r.mu.Unlock()
	for _, w := range watchers {
		w := w
		r.clock.Post(func() { w(r.current(from)) })
	}
}

// handleReceive hands a relay page load to the attached router.
func (r *Relay) handleReceive(args *ReceiveArgs) {
	r.mu.Lock()
	router := r.router
	r.mu.Unlock()
	if router == nil {
		r.logger.Debug("relay frame before a router was attached")
		return
	}
	router.Receive(args.Fragment, nil)
}

func (r *Relay) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

type relayLink struct {
	relay *Relay
	from  PeerID
}

func (l *relayLink) Navigate(u string) error {
	base, fragment := splitFragment(u)
	ctx, cancel := l.relay.context()
	defer cancel()
	return l.relay.sender.publish(ctx, base, &PublishArgs{From: string(l.from), Fragment: fragment})
}

type relayFrame struct {
	relay *Relay
}

func (f *relayFrame) Load(u string, onload func()) error {
	base, fragment := splitFragment(u)
	ctx, cancel := f.relay.context()
	defer cancel()
	if err := f.relay.sender.receive(ctx, base, &ReceiveArgs{Fragment: fragment}); err != nil {
		return err
	}
	if onload != nil {
		onload()
	}
	return nil
}
