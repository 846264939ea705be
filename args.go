// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"fmt"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

// Handler serves one named service. It may call req.Reply immediately
// or keep req and reply later.
type Handler func(req *Request)

// Callback receives the result of a call that supplied one.
type Callback func(result any)

// Request is an inbound call as seen by a Handler.
type Request struct {
	Service string
	From    PeerID
	Args    []any

	callbackID uint64
	reply      func(result any)
	once       sync.Once
}

// WantsReply reports whether the caller supplied a callback.
func (r *Request) WantsReply() bool { return r.callbackID != 0 }

// Reply sends result back to the caller's callback. Calls after the
// first, and calls on fire-and-forget requests, are ignored.
func (r *Request) Reply(result any) {
	if r.callbackID == 0 || r.reply == nil {
		return
	}
	r.once.Do(func() { r.reply(result) })
}

// Decode converts argument i into out. Numbers and maps arrive in the
// loose shape of the wire codec (float64 from JSON, int64 from CBOR,
// map[string]any for objects), so decoding is weakly typed and honours
// `json` struct tags.
func (r *Request) Decode(i int, out any) error {
	if i < 0 || i >= len(r.Args) {
		return fmt.Errorf("framerpc: argument %d out of range (%d args)", i, len(r.Args))
	}
	return decodeValue(r.Args[i], out)
}

func decodeValue(in, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("framerpc: building decoder: %w", err)
	}
	if err := decoder.Decode(in); err != nil {
		return fmt.Errorf("framerpc: decoding argument: %w", err)
	}
	return nil
}

// callbackID extracts the numeric callback id carried as the first
// argument of a CallbackService envelope.
func callbackID(v any) (uint64, bool) {
	var id uint64
	if err := decodeValue(v, &id); err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
