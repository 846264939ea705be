// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeJSON(t *testing.T) {
	in := &Envelope{
		Service:    "svc",
		From:       "kid",
		CallbackID: 7,
		Args:       []any{"a", map[string]any{"n": 1}},
		Token:      "tok",
	}
	data, err := EncodeEnvelope(JSONCodec{}, in)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	want := `{"s":"svc","f":"kid","c":7,"a":["a",{"n":1}],"t":"tok"}`
	if string(data) != want {
		t.Fatalf("encoded %s, want %s", data, want)
	}

	out, err := DecodeEnvelope(JSONCodec{}, data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if out.Service != "svc" || out.From != "kid" || out.CallbackID != 7 || out.Token != "tok" {
		t.Fatalf("decoded %+v", out)
	}
	obj, ok := out.Args[1].(map[string]any)
	if !ok || obj["n"] != float64(1) {
		t.Fatalf("args = %#v", out.Args)
	}
}

func TestEnvelopeCBORDeterministic(t *testing.T) {
	in := &Envelope{
		Service: "svc",
		From:    Parent,
		Args:    []any{map[string]any{"b": 2, "a": 1}},
	}
	first, err := EncodeEnvelope(CBORCodec{}, in)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	second, err := EncodeEnvelope(CBORCodec{}, in.clone())
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("CBOR encoding is not deterministic")
	}

	out, err := DecodeEnvelope(CBORCodec{}, first)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if out.Service != "svc" || out.From != Parent {
		t.Fatalf("decoded %+v", out)
	}
	if _, ok := out.Args[0].(map[string]any); !ok {
		t.Fatalf("object argument decoded as %T", out.Args[0])
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":     `nope`,
		"no service":   `{"f":"kid","a":[]}`,
		"no sender":    `{"s":"svc","a":[]}`,
		"no args":      `{"s":"svc","f":"kid"}`,
		"bad args":     `{"s":"svc","f":"kid","a":{}}`,
		"service type": `{"s":1,"f":"kid","a":[]}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope(JSONCodec{}, []byte(data))
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("DecodeEnvelope(%s) = %v, want ErrMalformedEnvelope", data, err)
			}
		})
	}
}

func TestAckEnvelope(t *testing.T) {
	data, err := EncodeEnvelope(JSONCodec{}, &Envelope{Service: AckService, From: "kid", AckID: 4})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	want := `{"s":"__ack","f":"kid","c":0,"a":[],"t":"","id":4}`
	if string(data) != want {
		t.Fatalf("encoded %s, want %s", data, want)
	}

	bare, err := fromWire(relayAck(9), true)
	if err != nil || !bare.IsAck() || bare.AckID != 9 {
		t.Fatalf("bare ACK = %+v, %v", bare, err)
	}
	if _, err := fromWire(relayAck(9), false); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("bare ACK accepted for dispatch: %v", err)
	}
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "cbor"} {
		if _, err := CodecByName(name); err != nil {
			t.Errorf("CodecByName(%q): %v", name, err)
		}
	}
	if _, err := CodecByName("msgpack"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("CodecByName(msgpack) = %v, want ErrUnknownCodec", err)
	}
	if !isBinary(CBORCodec{}) || isBinary(JSONCodec{}) {
		t.Error("isBinary misclassifies codecs")
	}
}
