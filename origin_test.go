// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import "testing"

func TestOrigin(t *testing.T) {
	tests := []struct {
		in, scheme, want string
	}{
		{"", "http", ""},
		{"http://Example.COM/a/b?c#d", "http", "http://example.com"},
		{"http://example.com:80/x", "http", "http://example.com"},
		{"https://example.com:443/x", "http", "https://example.com"},
		{"https://example.com:8443/x", "http", "https://example.com:8443"},
		{"http://example.com:443/x", "http", "http://example.com:443"},
		{"//example.com/x", "https", "https://example.com"},
		{"example.com/x", "", "http://example.com"},
	}
	for _, tt := range tests {
		if got := Origin(tt.in, tt.scheme); got != tt.want {
			t.Errorf("Origin(%q, %q) = %q, want %q", tt.in, tt.scheme, got, tt.want)
		}
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	self := "https://host.example/dir/page.html"
	tests := []struct {
		in, want string
	}{
		{"http://other.example/relay.html", "http://other.example/relay.html"},
		{"//other.example/relay.html", "https://other.example/relay.html"},
		{"/relay.html", "https://host.example/relay.html"},
		{"other.example/relay.html", "https://other.example/relay.html"},
	}
	for _, tt := range tests {
		if got := normalizeRelayURL(tt.in, self); got != tt.want {
			t.Errorf("normalizeRelayURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveParentRelay(t *testing.T) {
	parent := "http://parent.example/app/page.html"
	tests := []struct {
		in, want string
	}{
		{"relay.html", "http://parent.example/app/relay.html"},
		{"/relay.html", "http://parent.example/relay.html"},
		{"https://cdn.example/relay.html", "https://cdn.example/relay.html"},
		{"//cdn.example/relay.html", "//cdn.example/relay.html"},
	}
	for _, tt := range tests {
		if got := resolveParentRelay(tt.in, parent); got != tt.want {
			t.Errorf("resolveParentRelay(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := resolveParentRelay("relay.html", ""); got != "relay.html" {
		t.Errorf("without parent = %q", got)
	}
}

func TestURLParams(t *testing.T) {
	params := URLParams("http://child.example/g.html?parent=http%3A%2F%2Fp.example%2F&rpctoken=q#rpctoken=f&forcesecure=1")
	if got := params.Get("parent"); got != "http://p.example/" {
		t.Errorf("parent = %q", got)
	}
	if got := params.Get("rpctoken"); got != "f" {
		t.Errorf("fragment did not override query: rpctoken = %q", got)
	}
	if got := params.Get("forcesecure"); got != "1" {
		t.Errorf("forcesecure = %q", got)
	}
	if len(URLParams("http://child.example/")) != 0 {
		t.Error("params from a URL without any")
	}
}

func TestExpandRelayURL(t *testing.T) {
	got := ExpandRelayURL("http://{host}/relay?to={target}&t={token}", "relay.example", "kid 1", "a&b")
	want := "http://relay.example/relay?to=kid+1&t=a%26b"
	if got != want {
		t.Fatalf("ExpandRelayURL = %q, want %q", got, want)
	}
}
