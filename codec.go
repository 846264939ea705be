// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownCodec is returned by CodecByName for unregistered names.
var ErrUnknownCodec = errors.New("framerpc: unknown codec")

// Codec encodes/decodes envelopes for ports that carry raw bytes.
// URL-carried payloads (relay and invisible-frame transports) are always
// JSON regardless of the router codec.
type Codec interface {
	Name() string
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is the wire codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// CBORCodec encodes with Core Deterministic Encoding (RFC 8949 §4.2) so
// the same envelope always produces the same bytes. Decoded maps are
// map[string]any, matching what JSON produces.
type CBORCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("framerpc: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("framerpc: CBOR decoder initialization failed: " + err.Error())
	}
}

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Encode(v interface{}) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (CBORCodec) Decode(data []byte, v interface{}) error {
	return cborDec.Unmarshal(data, v)
}

// CodecByName returns the codec registered under name ("" selects JSON).
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// isBinary reports whether payloads of c must travel as binary frames.
func isBinary(c Codec) bool {
	_, ok := c.(CBORCodec)
	return ok
}
