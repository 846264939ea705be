// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"encoding/json"
	"net/url"
	"sync"
)

// relayPayload is the state published on a relay channel: everything
// not yet acknowledged plus an acknowledgement of what was received.
type relayPayload struct {
	ID uint64          `json:"id"`
	D  []*wireEnvelope `json:"d"`
}

// relayChannel is the per-peer state of the relay-and-poll transport.
type relayChannel struct {
	link     RelayLink
	relayURL string
	searches int
	waiting  bool
	queue    []*Envelope
	sendID   uint64 // envelopes the peer has acknowledged
	recvID   uint64 // envelopes processed from the peer
}

// relayTransport exchanges cumulative payloads over a RelayNetwork.
// Each publication carries the whole unacknowledged queue; the receiver
// skips what it already processed, so repeated observations of one
// payload dispatch nothing twice.
type relayTransport struct {
	r *Router

	mu       sync.Mutex
	process  func(*Envelope)
	ready    func(PeerID, bool)
	channels map[PeerID]*relayChannel
}

func newRelayTransport(r *Router) Transport {
	return &relayTransport{r: r, channels: make(map[PeerID]*relayChannel)}
}

func (*relayTransport) Code() TransportCode { return TransportRelay }

func (*relayTransport) IsParentVerifiable(PeerID) bool { return true }

func (t *relayTransport) Init(onReceive func(*Envelope), onReady func(PeerID, bool)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.process = onReceive
	t.ready = onReady
	return t.r.env.Relays != nil
}

func (t *relayTransport) Setup(peer PeerID, _ string, _ bool) bool {
	relay := t.r.RelayURL(peer)
	if relay == "" {
		relay = Origin(t.r.params.Get("parent"), scheme(t.r.env.Location)) + "/robots.txt"
	}

	t.mu.Lock()
	if ch, ok := t.channels[peer]; ok {
		t.mu.Unlock()
		return !ch.waiting
	}
	link, err := t.r.env.Relays.Open(peer, relay)
	if err != nil {
		t.mu.Unlock()
		t.r.logger.Warn("opening relay channel", "peer", peer, "error", err)
		return false
	}
	ch := &relayChannel{link: link, relayURL: relay, waiting: true}
	t.channels[peer] = ch
	if peer != Parent {
		// The parent publishes first so the child finds a channel.
		t.publishLocked(peer, ch)
	}
	t.mu.Unlock()

	t.search(peer)
	return false
}

// search polls for the counterpart's channel.
func (t *relayTransport) search(peer PeerID) {
	t.mu.Lock()
	ch, ok := t.channels[peer]
	if !ok {
		t.mu.Unlock()
		return
	}
	ch.searches++
	n := ch.searches
	t.mu.Unlock()

	found := t.r.env.Relays.Watch(peer, func(fragment string) { t.receive(peer, fragment) })
	if found {
		if peer == Parent {
			t.mu.Lock()
			if ch, ok := t.channels[peer]; ok {
				t.publishLocked(peer, ch)
			}
			t.mu.Unlock()
		}
		return
	}
	if n > t.r.relayMaxPolls {
		t.r.logger.Debug("relay counterpart not found", "peer", peer, "polls", n)
		return
	}
	t.r.after(t.r.relaySearchTimeout, func() { t.search(peer) })
}

func (t *relayTransport) Call(peer, _ PeerID, env *Envelope) bool {
	return t.send(peer, env, false)
}

// send queues env (unless it is an ACK) and publishes when the channel
// is not waiting for an acknowledgement.
func (t *relayTransport) send(peer PeerID, env *Envelope, ackAlone bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[peer]
	if !ok {
		t.r.logger.Warn("no relay channel", "peer", peer)
		return false
	}
	if env != nil && !env.IsAck() {
		ch.queue = append(ch.queue, env)
	}
	if ch.waiting || (len(ch.queue) == 0 && !ackAlone) {
		return true
	}
	if len(ch.queue) > 0 {
		ch.waiting = true
	}
	return t.publishLocked(peer, ch)
}

// publishLocked navigates the channel to its current payload. Relay
// networks never call back synchronously, so holding the lock keeps
// publications ordered.
func (t *relayTransport) publishLocked(peer PeerID, ch *relayChannel) bool {
	payload := relayPayload{ID: ch.sendID, D: make([]*wireEnvelope, 0, len(ch.queue)+1)}
	for _, env := range ch.queue {
		payload.D = append(payload.D, toWire(env))
	}
	payload.D = append(payload.D, relayAck(ch.recvID))
	data, err := json.Marshal(payload)
	if err != nil {
		t.r.logger.Error("encoding relay payload", "peer", peer, "error", err)
		return false
	}
	if err := ch.link.Navigate(ch.relayURL + "#" + url.QueryEscape(string(data))); err != nil {
		t.r.logger.Warn("relay publish failed", "peer", peer, "error", err)
		return false
	}
	return true
}

// receive processes one observation of the peer's channel.
func (t *relayTransport) receive(peer PeerID, fragment string) {
	raw, err := url.QueryUnescape(fragment)
	if err != nil {
		return
	}
	var payload relayPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.r.logger.Debug("ignoring relay payload", "peer", peer, "error", err)
		return
	}

	t.mu.Lock()
	ch, ok := t.channels[peer]
	if !ok {
		t.mu.Unlock()
		return
	}
	var (
		deliver         []*Envelope
		acked           bool
		nonAckReceived  bool
		noLongerWaiting bool
		seen            uint64
	)
	for _, w := range payload.D {
		env, err := fromWire(w, true)
		if err == nil && env.IsAck() {
			acked = true
			if ch.waiting {
				noLongerWaiting = true
			}
			ch.waiting = false
			if env.AckID > ch.sendID {
				n := env.AckID - ch.sendID
				if n > uint64(len(ch.queue)) {
					n = uint64(len(ch.queue))
				}
				for i := uint64(0); i < n; i++ {
					ch.queue[i] = nil
				}
				ch.queue = ch.queue[n:]
				ch.sendID = env.AckID
			}
			continue
		}
		nonAckReceived = true
		seen++
		// Items at payload positions already processed are replays.
		if payload.ID+seen <= ch.recvID {
			continue
		}
		ch.recvID++
		if err == nil {
			deliver = append(deliver, env)
		}
	}
	ackNeeded := nonAckReceived || (noLongerWaiting && len(ch.queue) > 0)
	t.mu.Unlock()

	if acked {
		t.ready(peer, true)
	}
	for _, env := range deliver {
		t.process(env)
	}
	if ackNeeded {
		t.send(peer, nil, nonAckReceived)
	}
}

func (t *relayTransport) Release(peer PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, peer)
}
