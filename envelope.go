// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"errors"
	"fmt"
)

// PeerID addresses the counterpart of a call. Parent denotes the
// embedding context; any other value is a child element id.
type PeerID string

const (
	// Parent is the peer id of the embedding context.
	Parent PeerID = ".."

	// SelfPeer addresses the posting context itself. Only the native
	// transport's delivery self-test uses it.
	SelfPeer PeerID = "."
)

// Reserved service names.
const (
	// AckService acknowledges a handshake or relay batch.
	AckService = "__ack"

	// CallbackService carries a reply: args are (callbackID, result).
	CallbackService = "__cb"

	// DefaultService is the key of the handler that receives calls to
	// unregistered services.
	DefaultService = ""
)

var (
	ErrMalformedEnvelope = errors.New("framerpc: malformed envelope")
	ErrReservedService   = errors.New("framerpc: cannot overwrite callback/ack service")
	ErrDefaultService    = errors.New("framerpc: cannot overwrite default service, use RegisterDefault")
	ErrUnknownReceiver   = errors.New("framerpc: unknown receiver")
	ErrNoRelay           = errors.New("framerpc: no relay url")
)

// Envelope is the wire unit of a call.
type Envelope struct {
	Service    string
	From       PeerID
	CallbackID uint64
	Args       []any
	Token      string
	Legacy     bool

	// AckID is only meaningful on relay ACK items: it carries the
	// number of messages the sender has accepted so far.
	AckID uint64
}

// IsAck reports whether e acknowledges a handshake or relay batch.
func (e *Envelope) IsAck() bool { return e.Service == AckService }

// clone returns a copy of e whose argument slice is not shared.
func (e *Envelope) clone() *Envelope {
	c := *e
	c.Args = append([]any(nil), e.Args...)
	return &c
}

// wireEnvelope is the serialized shape {s,f,c,a,t,l,id}. Pointer
// fields distinguish absent keys from zero values during validation.
type wireEnvelope struct {
	S  *string `json:"s" cbor:"s"`
	F  *string `json:"f,omitempty" cbor:"f,omitempty"`
	C  uint64  `json:"c" cbor:"c"`
	A  *[]any  `json:"a,omitempty" cbor:"a,omitempty"`
	T  string  `json:"t" cbor:"t"`
	L  bool    `json:"l,omitempty" cbor:"l,omitempty"`
	ID *uint64 `json:"id,omitempty" cbor:"id,omitempty"`
}

func toWire(e *Envelope) *wireEnvelope {
	service := e.Service
	from := string(e.From)
	args := e.Args
	if args == nil {
		args = []any{}
	}
	w := &wireEnvelope{
		S: &service,
		F: &from,
		C: e.CallbackID,
		A: &args,
		T: e.Token,
		L: e.Legacy,
	}
	if e.IsAck() && e.AckID > 0 {
		id := e.AckID
		w.ID = &id
	}
	return w
}

// relayAck is the bare ACK item appended to relay payloads.
func relayAck(id uint64) *wireEnvelope {
	service := AckService
	return &wireEnvelope{S: &service, ID: &id}
}

// fromWire validates w and converts it. A dispatchable envelope needs a
// string service, a string sender and an argument array; a relay ACK
// item only needs its service.
func fromWire(w *wireEnvelope, allowBareAck bool) (*Envelope, error) {
	if w == nil || w.S == nil {
		return nil, fmt.Errorf("%w: missing service", ErrMalformedEnvelope)
	}
	e := &Envelope{
		Service:    *w.S,
		CallbackID: w.C,
		Token:      w.T,
		Legacy:     w.L,
	}
	if w.ID != nil {
		e.AckID = *w.ID
	}
	if allowBareAck && e.IsAck() && (w.F == nil || w.A == nil) {
		return e, nil
	}
	if w.F == nil {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	}
	if w.A == nil {
		return nil, fmt.Errorf("%w: missing argument list", ErrMalformedEnvelope)
	}
	e.From = PeerID(*w.F)
	e.Args = *w.A
	return e, nil
}

// EncodeEnvelope serializes e with c.
func EncodeEnvelope(c Codec, e *Envelope) ([]byte, error) {
	return c.Encode(toWire(e))
}

// DecodeEnvelope parses and validates a serialized envelope. Shape
// failures wrap ErrMalformedEnvelope.
func DecodeEnvelope(c Codec, data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := c.Decode(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return fromWire(&w, false)
}
