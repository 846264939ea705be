// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

// noopTransport is the terminal fallback. It delivers nothing and
// reports success.
type noopTransport struct {
	r *Router
}

func newNoopTransport(r *Router) Transport { return &noopTransport{r: r} }

func (*noopTransport) Code() TransportCode { return TransportNoop }

func (*noopTransport) IsParentVerifiable(PeerID) bool { return true }

func (t *noopTransport) Init(func(*Envelope), func(PeerID, bool)) bool {
	t.log("init", "")
	return true
}

func (t *noopTransport) Setup(peer PeerID, _ string, _ bool) bool {
	t.log("setup", peer)
	return true
}

func (t *noopTransport) Call(peer, _ PeerID, env *Envelope) bool {
	t.r.logger.Debug("noop transport ignored call",
		"peer", peer, "service", env.Service, "child", t.r.env.IsChild, "location", t.r.env.Location)
	return true
}

func (t *noopTransport) log(op string, peer PeerID) {
	t.r.logger.Debug("noop transport ignored "+op, "peer", peer, "child", t.r.env.IsChild, "location", t.r.env.Location)
}
