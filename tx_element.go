// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import "sync"

// elementTransport hands serialized envelopes across a shared
// FrameElement. Delivery is synchronous.
type elementTransport struct {
	r *Router

	mu      sync.Mutex
	process func(*Envelope)
	ready   func(PeerID, bool)
}

func newElementTransport(r *Router) Transport { return &elementTransport{r: r} }

func (*elementTransport) Code() TransportCode { return TransportElement }

func (*elementTransport) IsParentVerifiable(PeerID) bool { return false }

func (t *elementTransport) Init(onReceive func(*Envelope), onReady func(PeerID, bool)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.process = onReceive
	t.ready = onReady
	return t.r.env.Elements != nil
}

func (t *elementTransport) Setup(peer PeerID, _ string, _ bool) bool {
	if peer != Parent {
		el := t.r.env.Elements.Element(peer)
		if el == nil {
			return false
		}
		el.setToParent(t.receive)
		_, toChild := el.slots()
		return toChild != nil
	}
	t.mu.Lock()
	ready := t.ready
	t.mu.Unlock()
	ready(Parent, true)
	// The parent installs its slot when it sets this child up, which
	// may not have happened yet.
	t.r.after(t.r.setupTimeout, func() { t.r.Call(Parent, AckService, nil) })
	return true
}

func (t *elementTransport) Call(peer, from PeerID, env *Envelope) bool {
	data, err := EncodeEnvelope(JSONCodec{}, env)
	if err != nil {
		t.r.logger.Error("encoding envelope", "peer", peer, "error", err)
		return false
	}
	if from != Parent {
		el := t.r.env.Elements.Self()
		if el == nil {
			return false
		}
		toParent, _ := el.slots()
		if toParent == nil {
			return false
		}
		el.setToChildOnce(t.receive)
		toParent(data)
		return true
	}
	el := t.r.env.Elements.Element(peer)
	if el == nil {
		return false
	}
	toParent, toChild := el.slots()
	if toParent == nil || toChild == nil {
		return false
	}
	toChild(data)
	return true
}

func (t *elementTransport) receive(data []byte) {
	env, err := DecodeEnvelope(JSONCodec{}, data)
	if err != nil {
		t.r.logger.Debug("ignoring element message", "error", err)
		return
	}
	t.mu.Lock()
	process := t.process
	t.mu.Unlock()
	process(env)
}
