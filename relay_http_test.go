// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/luxfi/framerpc/clock"
)

// relayEnd is one context with its relay page served over HTTP.
type relayEnd struct {
	relay *Relay
	url   string
}

func newRelayEnd(t *testing.T, self PeerID) *relayEnd {
	t.Helper()
	relay, err := NewRelay("http", self, WithRelayLogger(quietLogger()), WithRelayTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	handler, err := RelayHandler(relay)
	if err != nil {
		t.Fatalf("RelayHandler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		relay.Close()
	})
	return &relayEnd{relay: relay, url: srv.URL}
}

// newRelayRouters connects a parent and a child "kid" through their
// relay pages.
func newRelayRouters(t *testing.T, caps Capabilities, top, kid *relayEnd) (parent, child *Router) {
	t.Helper()
	opts := []Option{
		WithLogger(quietLogger()),
		WithSetupRetry(50*time.Millisecond, 100),
		WithRelaySearch(10*time.Millisecond, 500),
	}

	parent = New(Environment{
		Location:     top.url + "/",
		Capabilities: caps,
		Relays:       top.relay,
		Navigator:    top.relay,
	}, opts...)
	top.relay.Attach(parent)

	child = New(Environment{
		ID:           "kid",
		IsChild:      true,
		Location:     "http://child.example/g.html?parent=" + url.QueryEscape(top.url) + "&rpctoken=tok",
		Capabilities: caps,
		Relays:       kid.relay,
		Navigator:    kid.relay,
	}, opts...)
	kid.relay.Attach(child)

	if err := parent.SetupReceiver("kid", WithRelayURL(kid.url), WithAuthToken("tok")); err != nil {
		t.Fatalf("SetupReceiver: %v", err)
	}
	return parent, child
}

func testRelayEcho(t *testing.T, caps Capabilities, want TransportCode, top, kid *relayEnd) {
	parent, child := newRelayRouters(t, caps, top, kid)
	if got := parent.RelayChannel(); got != want {
		t.Fatalf("channel = %v, want %v", got, want)
	}
	if err := parent.Register("echo", func(req *Request) { req.Reply(req.Args[0]) }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitFor(t, func() bool {
		return parent.PeerState("kid") == StateReady && child.PeerState(Parent) == StateReady
	})

	result := make(chan any, 1)
	child.Call(Parent, "echo", func(v any) { result <- v }, "over http")
	select {
	case v := <-result:
		if v != "over http" {
			t.Fatalf("got %v", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reply")
	}
}

func TestHTTPRelayChannels(t *testing.T) {
	testRelayEcho(t, Capabilities{WebKit: true}, TransportRelay, newRelayEnd(t, ""), newRelayEnd(t, "kid"))
}

func TestHTTPRelayFrames(t *testing.T) {
	testRelayEcho(t, Capabilities{}, TransportPolling, newRelayEnd(t, ""), newRelayEnd(t, "kid"))
}

func TestRelayWatchBeforePublish(t *testing.T) {
	end := newRelayEnd(t, "kid")
	if end.relay.Watch(Parent, func(string) {}) {
		t.Fatal("Watch found a channel nobody published")
	}

	seen := make(chan string, 4)
	end.relay.handlePublish(&PublishArgs{From: string(Parent), Fragment: "one"})
	if !end.relay.Watch(Parent, func(f string) { seen <- f }) {
		t.Fatal("Watch missed a published channel")
	}
	end.relay.handlePublish(&PublishArgs{From: string(Parent), Fragment: "two"})

	var last string
	deadline := time.After(5 * time.Second)
	for last != "two" {
		select {
		case last = <-seen:
		case <-deadline:
			t.Fatalf("latest publication never observed, last %q", last)
		}
	}
}

func TestRelayUnknownNetwork(t *testing.T) {
	if _, err := NewRelay("carrier-pigeon", "kid"); err == nil {
		t.Fatal("NewRelay accepted an unknown network")
	}
	if _, err := (&Relay{}).Open(Parent, ""); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("Open without relay = %v, want ErrNoRelay", err)
	}
}

func TestHTTPSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Relay-Key"); got != "k" {
			t.Errorf("header = %q", got)
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	relay, err := NewRelay("http", "kid", WithRelayLogger(quietLogger()), WithRelayHeader("X-Relay-Key", "k"))
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	link, err := relay.Open(Parent, srv.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := link.Navigate(srv.URL + "#payload"); !errors.Is(err, ErrRelayStatus) {
		t.Fatalf("Navigate = %v, want ErrRelayStatus", err)
	}
}

// dropFirst closes the first n connections it accepts.
type dropFirst struct {
	net.Listener
	n atomic.Int32
}

func (l *dropFirst) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.n.Add(-1) < 0 {
			return conn, nil
		}
		conn.Close()
	}
}

func TestHTTPSenderRetriesOnRelayClock(t *testing.T) {
	target, err := NewRelay("http", "", WithRelayLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	handler, err := RelayHandler(target)
	if err != nil {
		t.Fatalf("RelayHandler: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	flaky := &dropFirst{Listener: listener}
	flaky.n.Store(2)
	srv := &http.Server{Handler: handler}
	go srv.Serve(flaky)
	defer srv.Close()
	page := "http://" + listener.Addr().String()

	clk := clock.Fake(epoch)
	relay, err := NewRelay("http", "kid",
		WithRelayLogger(quietLogger()),
		WithRelayClock(clk),
		WithRelayRetry(time.Second, 2))
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	link, err := relay.Open(Parent, page)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- link.Navigate(page + "#one") }()

	// Both dropped attempts pause on the relay clock, the second twice
	// as long.
	for _, pause := range []time.Duration{time.Second, 2 * time.Second} {
		waitFor(t, func() bool { return clk.PendingCount() == 1 })
		clk.Advance(pause - time.Millisecond)
		if clk.PendingCount() != 1 {
			t.Fatalf("pause shorter than %v", pause)
		}
		clk.Advance(time.Millisecond)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Navigate: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Navigate did not finish")
	}
	if got := target.current("kid"); got != "one" {
		t.Fatalf("published fragment = %q, want one", got)
	}
}

func TestHTTPSenderGivesUp(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	flaky := &dropFirst{Listener: listener}
	flaky.n.Store(1 << 20)
	go http.Serve(flaky, http.NotFoundHandler())
	defer listener.Close()
	page := "http://" + listener.Addr().String()

	relay, err := NewRelay("http", "kid", WithRelayLogger(quietLogger()), WithRelayRetry(time.Millisecond, 1))
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	link, err := relay.Open(Parent, page)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = link.Navigate(page + "#one")
	if err == nil || !retryable(err) {
		t.Fatalf("Navigate = %v, want a dropped-connection error", err)
	}
}

func TestDrainClose(t *testing.T) {
	if err := drainClose(nil); err != nil {
		t.Fatalf("nil body: %v", err)
	}
	body := io.NopCloser(&infiniteReader{n: 1 << 16})
	if err := drainClose(body); err != nil {
		t.Fatalf("drainClose: %v", err)
	}
}

type infiniteReader struct{ n int }

func (r *infiniteReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.n)
	r.n -= n
	return n, nil
}

func TestRetryable(t *testing.T) {
	reset := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{&url.Error{Op: "Post", URL: "http://relay", Err: io.ErrUnexpectedEOF}, true},
		{reset, true},
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{context.Canceled, false},
		{&url.Error{Op: "Post", URL: "http://relay", Err: context.DeadlineExceeded}, false},
		{ErrRelayStatus, false},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
