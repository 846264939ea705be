// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
)

// selfTestMessage is posted to the context itself at init to learn whether
// the port delivers synchronously.
const selfTestMessage = "postmessage.test"

// nativeTransport drives a MessagePort.
type nativeTransport struct {
	r *Router

	mu      sync.Mutex
	process func(*Envelope)

	echoedSync  atomic.Bool
	deferSend   bool
	forceSecure atomic.Bool
}

func newNativeTransport(r *Router) Transport { return &nativeTransport{r: r} }

func (*nativeTransport) Code() TransportCode { return TransportNative }

func (*nativeTransport) IsParentVerifiable(PeerID) bool { return true }

func (t *nativeTransport) Init(onReceive func(*Envelope), onReady func(PeerID, bool)) bool {
	port := t.r.env.Port
	if port == nil {
		return false
	}
	t.mu.Lock()
	t.process = onReceive
	t.mu.Unlock()

	port.OnMessage(t.onMessage)
	if err := port.PostMessage(SelfPeer, []byte(selfTestMessage), "*"); err != nil {
		t.r.logger.Debug("native self-test failed", "error", err)
	}
	// A port that ran the listener before returning would let a
	// handler run inside its caller's send; defer every send instead.
	t.deferSend = t.echoedSync.Load()

	onReady(Parent, true)
	return true
}

func (t *nativeTransport) onMessage(data []byte, origin string) {
	if string(data) == selfTestMessage {
		t.echoedSync.Store(true)
		return
	}
	env, err := DecodeEnvelope(t.r.codec, data)
	if err != nil {
		t.r.logger.Debug("ignoring native message", "origin", origin, "error", err)
		return
	}
	if t.forceSecure.Load() {
		if env.From == "" {
			return
		}
		if expected := Origin(t.r.parentRelay(env.From), scheme(t.r.env.Location)); origin != expected {
			return
		}
	}
	t.mu.Lock()
	process := t.process
	t.mu.Unlock()
	process(env)
}

func (t *nativeTransport) Setup(peer PeerID, token string, forceSecure bool) bool {
	if forceSecure {
		t.forceSecure.Store(true)
	}
	if peer == Parent {
		if forceSecure {
			t.r.emitHandshakeFrame(token, nil)
		} else {
			t.r.Call(Parent, AckService, nil)
		}
	}
	return true
}

func (t *nativeTransport) Call(peer, _ PeerID, env *Envelope) bool {
	origin := Origin(t.r.parentRelay(peer), scheme(t.r.env.Location))
	if origin == "" {
		t.r.logger.Error("no relay set (used as target origin), cannot send cross-context message", "peer", peer)
		return true
	}
	data, err := EncodeEnvelope(t.r.codec, env)
	if err != nil {
		t.r.logger.Error("encoding envelope", "peer", peer, "error", err)
		return false
	}
	port := t.r.env.Port
	if t.deferSend {
		t.r.clock.Post(func() {
			if err := port.PostMessage(peer, data, origin); err != nil {
				t.r.logger.Warn("native send failed", "peer", peer, "error", err)
			}
		})
		return true
	}
	if err := port.PostMessage(peer, data, origin); err != nil {
		t.r.logger.Warn("native send failed", "peer", peer, "error", err)
		return false
	}
	return true
}

func (t *nativeTransport) RelayOnload(peer PeerID, _ any) {
	t.r.transportReady(peer, true)
}

// emitHandshakeFrame loads the parent's relay page with the handshake
// fragment ..&<id>&<token>&<data> so the parent can check the token and
// learn this context's origin from its own relay.
func (r *Router) emitHandshakeFrame(token string, data any) {
	relay := r.RelayURL(Parent)
	if relay == "" || r.env.Navigator == nil {
		r.logger.Warn("cannot emit handshake frame", "relay", relay)
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("null")
	}
	src := relay + "#" + string(Parent) + "&" + string(r.env.ID) + "&" + token + "&" + url.QueryEscape(string(payload))
	if err := r.env.Navigator.NewFrame().Load(src, nil); err != nil {
		r.logger.Warn("handshake frame failed", "error", err)
	}
}
