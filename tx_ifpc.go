// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// pollingTransport loads the peer's relay page in hidden frames with
// the envelope in the URL fragment.
type pollingTransport struct {
	r *Router

	mu     sync.Mutex
	ready  func(PeerID, bool)
	callID uint64
	pool   []*pooledFrame
}

type pooledFrame struct {
	frame      Frame
	recyclable bool
}

func newPollingTransport(r *Router) Transport { return &pollingTransport{r: r} }

func (*pollingTransport) Code() TransportCode { return TransportPolling }

func (*pollingTransport) IsParentVerifiable(PeerID) bool { return true }

func (t *pollingTransport) Init(_ func(*Envelope), onReady func(PeerID, bool)) bool {
	t.mu.Lock()
	t.ready = onReady
	t.mu.Unlock()
	onReady(Parent, true)
	return true
}

func (t *pollingTransport) Setup(peer PeerID, _ string, _ bool) bool {
	t.mu.Lock()
	ready := t.ready
	t.mu.Unlock()
	ready(peer, true)
	return true
}

func (t *pollingTransport) Call(peer, from PeerID, env *Envelope) bool {
	relay := t.r.RelayURL(peer)
	t.mu.Lock()
	t.callID++
	id := t.callID
	t.mu.Unlock()
	if relay == "" {
		t.r.logger.Warn("no relay file assigned", "peer", peer)
		return false
	}

	var src string
	if env.Legacy {
		inner := append([]any{string(from), env.Service, "", "", string(from)}, env.Args...)
		src = relay + "#" + legacyEncode([]any{string(from), id, 1, 0, legacyEncode(inner)})
	} else {
		data, err := EncodeEnvelope(JSONCodec{}, env)
		if err != nil {
			t.r.logger.Error("encoding envelope", "peer", peer, "error", err)
			return false
		}
		src = fmt.Sprintf("%s#%s&%s@%d&1&0&%s", relay, peer, from, id, url.QueryEscape(string(data)))
	}
	return t.emit(src)
}

// emit loads src in a recycled frame, or a new one when every pooled
// frame is still loading.
func (t *pollingTransport) emit(src string) bool {
	nav := t.r.env.Navigator
	if nav == nil {
		t.r.logger.Warn("no navigator for polling transport")
		return false
	}
	t.mu.Lock()
	var pf *pooledFrame
	for i := len(t.pool) - 1; i >= 0; i-- {
		if t.pool[i].recyclable {
			pf = t.pool[i]
			break
		}
	}
	if pf == nil {
		pf = &pooledFrame{frame: nav.NewFrame()}
		t.pool = append(t.pool, pf)
	}
	pf.recyclable = false
	t.mu.Unlock()

	err := pf.frame.Load(src, func() {
		t.mu.Lock()
		pf.recyclable = true
		t.mu.Unlock()
	})
	if err != nil {
		t.r.logger.Warn("polling frame load failed", "error", err)
		t.mu.Lock()
		pf.recyclable = true
		t.mu.Unlock()
		return false
	}
	return true
}

// legacyEncode joins URL-escaped JSON renderings of values with '&'.
func legacyEncode(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			b = []byte("null")
		}
		parts[i] = url.QueryEscape(string(b))
	}
	return strings.Join(parts, "&")
}

// legacyDecode reverses legacyEncode.
func legacyDecode(s string) ([]any, error) {
	parts := strings.Split(s, "&")
	values := make([]any, len(parts))
	for i, p := range parts {
		raw, err := url.QueryUnescape(p)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &values[i]); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// decodeFrameData extracts the envelope from the last part of a polling
// frame fragment. A JSON string there is the positional legacy form.
func decodeFrameData(parts []string) (*Envelope, error) {
	raw, err := url.QueryUnescape(parts[len(parts)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	var legacy string
	if json.Unmarshal([]byte(raw), &legacy) != nil {
		return DecodeEnvelope(JSONCodec{}, []byte(raw))
	}
	values, err := legacyDecode(legacy)
	if err != nil || len(values) < 5 {
		return nil, fmt.Errorf("%w: legacy payload", ErrMalformedEnvelope)
	}
	from, ok1 := values[0].(string)
	service, ok2 := values[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: legacy payload", ErrMalformedEnvelope)
	}
	return &Envelope{
		Service: service,
		From:    PeerID(from),
		Args:    values[5:],
		Legacy:  true,
	}, nil
}
