// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import "sync"

// Environment describes the execution context a Router runs in and the
// substrates its transports may drive. Substrates a transport needs but
// that are nil make that transport's setup and calls fail, which
// degrades the affected peers to the no-op transport.
type Environment struct {
	// ID is this context's id as seen by its parent (empty for a
	// top-level context).
	ID PeerID
	// IsChild is set for embedded contexts; they set up their parent
	// at construction.
	IsChild bool
	// Location is this context's own URL. Its query and fragment
	// parameters (parent, rpctoken, ifpctok, forcesecure) seed the
	// parent handshake.
	Location string

	Capabilities Capabilities

	Port      MessagePort
	Elements  ElementHost
	Relays    RelayNetwork
	Navigator Navigator
	Frames    FrameLocator
}

// MessagePort is the native cross-context messaging primitive.
type MessagePort interface {
	// PostMessage delivers data to target. Delivery is dropped silently
	// when targetOrigin is not "*" and differs from the target's
	// origin. An error means the target could not be reached at all.
	PostMessage(target PeerID, data []byte, targetOrigin string) error

	// OnMessage installs the inbound handler. origin is the sender's
	// origin as resolved by the substrate.
	OnMessage(handler func(data []byte, origin string))
}

// ElementHost gives access to frame elements shared between a parent
// and its children when both live in one object graph.
type ElementHost interface {
	// Element returns the element of child id, or nil.
	Element(id PeerID) *FrameElement
	// Self returns this context's own element, or nil at top level.
	Self() *FrameElement
}

// FrameElement holds the two channel slots of the direct handoff
// transport. The parent installs the child-to-parent slot at setup; the
// child installs the parent-to-child slot on its first send.
type FrameElement struct {
	mu       sync.Mutex
	toParent func(data []byte)
	toChild  func(data []byte)
}

func (f *FrameElement) setToParent(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toParent = fn
}

func (f *FrameElement) setToChildOnce(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toChild == nil {
		f.toChild = fn
	}
}

func (f *FrameElement) slots() (toParent, toChild func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toParent, f.toChild
}

// RelayNetwork carries relay-and-poll payloads. Each context owns one
// channel per peer and publishes by navigating it; the counterpart
// watches that channel and may observe any publication zero or more
// times, but eventually observes the latest.
type RelayNetwork interface {
	// Open creates the local channel used to publish to peer.
	Open(peer PeerID, relayURL string) (RelayLink, error)
	// Watch attaches to the channel peer created for this context and
	// calls onChange with each fragment observed, starting with the
	// current one. It returns false while that channel does not exist
	// or has not been navigated yet.
	Watch(peer PeerID, onChange func(fragment string)) bool
}

// RelayLink is one local relay channel.
type RelayLink interface {
	// Navigate publishes url (relay URL plus '#' fragment).
	Navigate(url string) error
}

// Navigator loads relay URLs in hidden, recyclable frames.
type Navigator interface {
	NewFrame() Frame
}

// Frame is a hidden frame created by a Navigator.
type Frame interface {
	// Load navigates the frame to url and calls onload once the relay
	// page has run.
	Load(url string, onload func()) error
}

// RelayWindow is the window a relay handshake frame arrived through.
type RelayWindow interface {
	// OnUnload registers f to run when the window goes away.
	OnUnload(f func())
}

// FrameLocator answers questions about child elements.
type FrameLocator interface {
	// ChildURL returns the source URL of child id and whether such an
	// element exists.
	ChildURL(id PeerID) (string, bool)
	// SameContext returns the receiver of peer id when it runs in this
	// very execution context, or nil.
	SameContext(id PeerID) SameContextReceiver
}

// SameContextReceiver accepts envelopes handed over without a transport.
type SameContextReceiver interface {
	ReceiveSameContext(env *Envelope)
}
