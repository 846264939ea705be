// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/luxfi/framerpc/clock"
)

// navRecorder is a Navigator whose frames record the URLs they load and
// finish loading at once.
type navRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (n *navRecorder) NewFrame() Frame { return n }

func (n *navRecorder) Load(u string, onload func()) error {
	n.mu.Lock()
	n.urls = append(n.urls, u)
	n.mu.Unlock()
	if onload != nil {
		onload()
	}
	return nil
}

func (n *navRecorder) last(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.urls) == 0 {
		t.Fatal("no frame loaded")
	}
	return n.urls[len(n.urls)-1]
}

func newPollingRouter(t *testing.T, nav Navigator) *Router {
	t.Helper()
	env := Environment{Location: parentLocation, Navigator: nav}
	return New(env,
		WithClock(clock.Fake(epoch)),
		WithLogger(quietLogger()),
		WithTransport(TransportPolling))
}

func decodeLoaded(t *testing.T, u string) *Envelope {
	t.Helper()
	_, fragment := splitFragment(u)
	env, err := decodeFrameData(strings.Split(fragment, "&"))
	if err != nil {
		t.Fatalf("decodeFrameData(%q): %v", fragment, err)
	}
	return env
}

func TestPollingFragment(t *testing.T) {
	nav := &navRecorder{}
	r := newPollingRouter(t, nav)
	r.SetRelayURL("kid", "http://child.example/relay.html", false)
	r.SetAuthToken("kid", "tok", false)

	if got := r.Call("kid", "svc", nil, "a", 2); got != StatusSent {
		t.Fatalf("Call = %v, want sent", got)
	}
	u := nav.last(t)
	if prefix := "http://child.example/relay.html#kid&..@1&1&0&"; !strings.HasPrefix(u, prefix) {
		t.Fatalf("url %q lacks prefix %q", u, prefix)
	}
	env := decodeLoaded(t, u)
	if env.Service != "svc" || env.From != Parent || env.Token != "tok" || env.Legacy {
		t.Fatalf("decoded %+v", env)
	}
	if len(env.Args) != 2 || env.Args[0] != "a" || env.Args[1] != float64(2) {
		t.Fatalf("args = %v", env.Args)
	}
}

func TestPollingLegacyFragment(t *testing.T) {
	nav := &navRecorder{}
	r := newPollingRouter(t, nav)
	r.SetRelayURL("old", "http://child.example/relay.html", true)
	r.SetAuthToken("old", "", false)

	if got := r.Call("old", "svc", nil, "a", 2); got != StatusSent {
		t.Fatalf("Call = %v, want sent", got)
	}
	u := nav.last(t)
	prefix := "http://child.example/relay.html#" + url.QueryEscape(`".."`) + "&1&1&0&"
	if !strings.HasPrefix(u, prefix) {
		t.Fatalf("url %q lacks prefix %q", u, prefix)
	}
	env := decodeLoaded(t, u)
	if env.Service != "svc" || env.From != Parent || !env.Legacy {
		t.Fatalf("decoded %+v", env)
	}
	if len(env.Args) != 2 || env.Args[0] != "a" || env.Args[1] != float64(2) {
		t.Fatalf("args = %v", env.Args)
	}

	// The router accepts its own legacy frames.
	rec := &recorder{}
	if err := r.Register("svc", rec.handle); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, fragment := splitFragment(u)
	r.Receive(fragment, nil)
	if got := rec.got(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}
}

func TestLegacyDecodeErrors(t *testing.T) {
	tests := []string{
		url.QueryEscape(`"x"`),
		url.QueryEscape(`"` + legacyEncode([]any{1, "svc"}) + `"`),
		url.QueryEscape(`{"s":"svc"}`),
		"%zz",
	}
	for _, last := range tests {
		_, err := decodeFrameData([]string{"kid", "..@1", "1", "0", last})
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("decodeFrameData(%q) = %v, want ErrMalformedEnvelope", last, err)
		}
	}
}

func TestPollingNoRelay(t *testing.T) {
	r := newPollingRouter(t, &navRecorder{})
	r.SetAuthToken("kid", "", false)
	if got := r.Call("kid", "svc", nil); got != StatusFallback {
		t.Fatalf("Call without relay = %v, want fallback", got)
	}
}

func TestPollingRoundTripAndFramePool(t *testing.T) {
	p := newPair(t, Capabilities{}, childSource(""))
	p.settle(t)

	if err := p.parent.Register("echo", func(req *Request) { req.Reply(req.Args[0]) }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var got []any
	p.child.Call(Parent, "echo", func(result any) { got = append(got, result) }, "hi")
	p.clk.Flush()
	if len(got) != 1 || got[0] != "hi" {
		t.Fatalf("callback got %v", got)
	}

	tx := p.child.transport.(*pollingTransport)
	poolSize := func() int {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return len(tx.pool)
	}
	if n := poolSize(); n != 1 {
		t.Fatalf("pool = %d, want 1", n)
	}

	// The first call reuses the idle frame, the second needs a new one.
	p.child.Call(Parent, "echo", nil, 1)
	p.child.Call(Parent, "echo", nil, 2)
	if n := poolSize(); n != 2 {
		t.Fatalf("pool = %d, want 2", n)
	}
	p.clk.Flush()
	p.child.Call(Parent, "echo", nil, 3)
	p.clk.Flush()
	if n := poolSize(); n != 2 {
		t.Fatalf("pool grew to %d with idle frames", n)
	}
	if n := p.kid.FrameLoads(); n != 4 {
		t.Fatalf("frame loads = %d, want 4", n)
	}
}
