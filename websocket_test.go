// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newHubServer(t *testing.T, allowed []string, opts ...DialOption) (*WebSocketHub, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	opts = append([]DialOption{WithDialLogger(quietLogger())}, opts...)
	hub := NewWebSocketHub(srv.URL, allowed, opts...)
	mux.Handle("/ws", hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func TestWebSocketOriginRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, srv := newHubServer(t, []string{childOrigin})

	if _, err := Dial(ctx, wsURL(srv), "kid", WithDialOrigin("http://evil.example")); err == nil {
		t.Fatal("Dial from a foreign origin succeeded")
	}
	if _, err := Dial(ctx, wsURL(srv), "kid"); err == nil {
		t.Fatal("Dial without an origin succeeded")
	}

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	drainClose(resp.Body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without id = %d, want 400", resp.StatusCode)
	}
}

func testWebSocketRouters(t *testing.T, codec Codec) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub, srv := newHubServer(t, []string{childOrigin}, WithDialCodec(codec))

	parent := New(Environment{
		Location: srv.URL + "/",
		Port:     hub,
		Frames:   hub,

		Capabilities: native,
	}, WithLogger(quietLogger()), WithCodec(codec))
	hub.OnConnect(func(id PeerID) {
		if err := parent.SetupReceiver(id, WithAuthToken("tok")); err != nil {
			t.Errorf("SetupReceiver(%s): %v", id, err)
		}
	})
	disconnected := make(chan PeerID, 1)
	hub.OnDisconnect(func(id PeerID) {
		parent.RemoveReceiver(id)
		disconnected <- id
	})
	if err := parent.Register("echo", func(req *Request) { req.Reply(req.Args[0]) }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	port, err := Dial(ctx, wsURL(srv), "kid", WithDialOrigin(childOrigin), WithDialCodec(codec))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	child := New(Environment{
		ID:       "kid",
		IsChild:  true,
		Location: childOrigin + "/g.html?parent=" + url.QueryEscape(srv.URL+"/") + "&rpctoken=tok",
		Port:     port,

		Capabilities: native,
	}, WithLogger(quietLogger()), WithCodec(codec))

	waitFor(t, func() bool { return parent.PeerState("kid") == StateReady })
	if got, ok := hub.ChildURL("kid"); !ok || got != childOrigin+"/" {
		t.Fatalf("ChildURL = %q, %v", got, ok)
	}

	result := make(chan any, 1)
	child.Call(Parent, "echo", func(v any) { result <- v }, "over websocket")
	select {
	case v := <-result:
		if v != "over websocket" {
			t.Fatalf("got %v", v)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for reply")
	}

	port.Close()
	select {
	case id := <-disconnected:
		if id != "kid" {
			t.Fatalf("disconnected %q", id)
		}
	case <-ctx.Done():
		t.Fatal("hub did not notice the disconnect")
	}
	if got := parent.Call("kid", "echo", nil); got != StatusNoTarget {
		t.Fatalf("Call after disconnect = %v, want no-target", got)
	}
}

func TestWebSocketRoutersJSON(t *testing.T) { testWebSocketRouters(t, JSONCodec{}) }

func TestWebSocketRoutersCBOR(t *testing.T) { testWebSocketRouters(t, CBORCodec{}) }
