// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import "testing"

func TestSelectTransport(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want TransportCode
	}{
		{"none", Capabilities{}, TransportPolling},
		{"native", Capabilities{NativeMessaging: true, WebKit: true, Gecko: true}, TransportNative},
		{"scripting", Capabilities{LegacyScripting: true, WebKit: true}, TransportPolling},
		{"webkit", Capabilities{WebKit: true, Gecko: true}, TransportRelay},
		{"gecko", Capabilities{Gecko: true}, TransportElement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectTransport(tt.caps); got != tt.want {
				t.Errorf("SelectTransport(%+v) = %v, want %v", tt.caps, got, tt.want)
			}
		})
	}
}

func TestAvailableTransports(t *testing.T) {
	got := AvailableTransports()
	want := []TransportCode{TransportElement, TransportPolling, TransportNoop, TransportRelay, TransportNative}
	if len(got) != len(want) {
		t.Fatalf("AvailableTransports() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AvailableTransports() = %v, want %v", got, want)
		}
	}
	if HasTransport(TransportScripting) {
		t.Error("scripting bridge reported as available")
	}
	if !HasTransport(TransportRelay) {
		t.Error("relay transport missing")
	}
}

func TestUnknownTransportUsesPolling(t *testing.T) {
	r := newPollingRouter(t, &navRecorder{})
	if got := newTransport(TransportScripting, r).Code(); got != TransportPolling {
		t.Fatalf("scripting bridge resolved to %v, want ifpc", got)
	}
}

func TestMissingSubstrateFallsBackToNoop(t *testing.T) {
	r := New(Environment{Location: parentLocation},
		WithLogger(quietLogger()),
		WithTransport(TransportNative))
	if got := r.RelayChannel(); got != TransportNoop {
		t.Fatalf("channel without a port = %v, want noop", got)
	}
}
