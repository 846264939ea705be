//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"net"
	"slices"
	"testing"
	"time"
)

func newGRPCRelayEnd(t *testing.T, self PeerID) *relayEnd {
	t.Helper()
	relay, err := NewRelay("grpc", self, WithRelayLogger(quietLogger()), WithRelayTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	server := NewRelayGRPCServer(relay)
	go server.Serve(listener)
	t.Cleanup(func() {
		server.Stop()
		relay.Close()
	})
	return &relayEnd{relay: relay, url: "grpc://" + listener.Addr().String()}
}

func TestGRPCRelayRegistered(t *testing.T) {
	if !slices.Contains(AvailableRelayNetworks(), "grpc") {
		t.Fatalf("relay networks = %v, want grpc", AvailableRelayNetworks())
	}
}

func TestGRPCRelayChannels(t *testing.T) {
	testRelayEcho(t, Capabilities{WebKit: true}, TransportRelay,
		newGRPCRelayEnd(t, ""), newGRPCRelayEnd(t, "kid"))
}

func TestGRPCRelayFrames(t *testing.T) {
	testRelayEcho(t, Capabilities{}, TransportPolling,
		newGRPCRelayEnd(t, ""), newGRPCRelayEnd(t, "kid"))
}

func TestGRPCTarget(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"grpc://127.0.0.1:9000/relay", "127.0.0.1:9000"},
		{"127.0.0.1:9000", "127.0.0.1:9000"},
	}
	for _, tt := range tests {
		got, err := grpcTarget(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("grpcTarget(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}
