// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package framerpc provides named, asynchronous calls between a parent
// execution context and the child contexts it embeds, over whichever
// channel the environment offers.
//
// # Transport Selection
//
// A Router picks one transport from the environment's Capabilities:
//
//	wpm   native messaging over a MessagePort
//	nix   legacy scripting bridge (not implemented, resolves to ifpc)
//	rmr   relay-and-poll over a RelayNetwork
//	fe    direct handoff through a shared FrameElement
//	ifpc  invisible-frame polling through a Navigator
//	noop  terminal fallback, delivers nothing
//
// Use build tags to enable alternative relay substrates:
//
//	go build              # HTTP relay only (default)
//	go build -tags grpc   # Enable the gRPC relay
//
// # Usage
//
// Parent:
//
//	r := framerpc.New(env)
//	r.Register("resize", func(req *framerpc.Request) {
//	    var height int
//	    if err := req.Decode(0, &height); err != nil {
//	        return
//	    }
//	    req.Reply(true)
//	})
//	if err := r.SetupReceiver("gadget-1"); err != nil {
//	    log.Fatal(err)
//	}
//
// Child (sets up its parent at construction):
//
//	r := framerpc.New(childEnv)
//	r.Call(framerpc.Parent, "resize", func(result any) {
//	    fmt.Println("resized:", result)
//	}, 480)
//
// Calls made before the handshake completes are queued and flushed in
// order. A peer whose handshake never completes falls back to the noop
// transport and a SecurityLoadTimeout violation is reported.
//
// # Architecture
//
//   - envelope.go, codec.go, args.go: wire model and argument decoding
//   - transport.go, tx_*.go: Transport interface, selection and variants
//   - router.go, setup.go, security.go: dispatch, handshake, verification
//   - env.go: substrate interfaces transports drive
//   - memory.go: in-process substrate for every transport
//   - streamport.go, websocket.go, dial.go: MessagePorts across processes
//   - relay.go, relay_http.go, relay_grpc.go: relay substrates (grpc
//     requires -tags grpc)
//   - config.go, rotate.go: configuration and token rotation
//
// Deferred work runs on a clock.Clock; inject clock.Fake in tests.
package framerpc
