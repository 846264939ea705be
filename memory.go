// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"fmt"
	"slices"
	"sync"

	"github.com/luxfi/framerpc/clock"
)

// MemoryBus connects contexts living in one process. It provides every
// substrate a transport can drive: native ports, shared frame elements,
// relay channels and relay page loads. All deliveries are deferred
// through the bus clock unless synchronous port delivery is enabled.
type MemoryBus struct {
	clock clock.Clock

	mu       sync.Mutex
	contexts []*MemoryContext
	syncPort bool
}

// NewMemoryBus creates a bus driven by c.
func NewMemoryBus(c clock.Clock) *MemoryBus {
	return &MemoryBus{clock: c}
}

// SetSyncDelivery makes native ports run the receiver's handler inside
// PostMessage.
func (b *MemoryBus) SetSyncDelivery(sync bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncPort = sync
}

// MemoryContext is one execution context on a MemoryBus.
type MemoryContext struct {
	bus      *MemoryBus
	id       PeerID
	location string
	origin   string
	parent   *MemoryContext
	element  *FrameElement

	// Guarded by bus.mu.
	children  map[PeerID]*MemoryContext
	relayURL  string
	handler   func(data []byte, origin string)
	pending   []memoryMessage
	channels  map[PeerID]*memoryChannel
	frames    []*memoryFrame
	router    *Router
	unloaded  bool
	frameLoad int
}

// memoryMessage is a port message that arrived before the context
// listened.
type memoryMessage struct {
	data   []byte
	origin string
}

type memoryChannel struct {
	url      string
	watchers []func(string)
}

// AddContext adds a top-level context at location.
func (b *MemoryBus) AddContext(id PeerID, location string) *MemoryContext {
	return b.add(nil, id, location)
}

// AddChild embeds a child context whose source URL is src.
func (c *MemoryContext) AddChild(id PeerID, src string) *MemoryContext {
	return c.bus.add(c, id, src)
}

func (b *MemoryBus) add(parent *MemoryContext, id PeerID, location string) *MemoryContext {
	base, _ := splitFragment(location)
	c := &MemoryContext{
		bus:      b,
		id:       id,
		location: location,
		origin:   Origin(location, scheme(location)),
		parent:   parent,
		element:  &FrameElement{},
		children: make(map[PeerID]*MemoryContext),
		relayURL: base,
		channels: make(map[PeerID]*memoryChannel),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contexts = append(b.contexts, c)
	if parent != nil {
		parent.children[id] = c
	}
	return c
}

// SetRelayURL sets the URL at which this context serves its relay page
// (by default its location without fragment).
func (c *MemoryContext) SetRelayURL(u string) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.relayURL = u
}

// Environment returns the substrates of this context.
func (c *MemoryContext) Environment(caps Capabilities) Environment {
	return Environment{
		ID:           c.id,
		IsChild:      c.parent != nil,
		Location:     c.location,
		Capabilities: caps,
		Port:         memoryPort{c},
		Elements:     memoryElements{c},
		Relays:       memoryRelays{c},
		Navigator:    memoryNavigator{c},
		Frames:       memoryFrames{c},
	}
}

// NewRouter creates the router of this context on the bus clock.
func (c *MemoryContext) NewRouter(caps Capabilities, opts ...Option) *Router {
	opts = append([]Option{WithClock(c.bus.clock)}, opts...)
	r := New(c.Environment(caps), opts...)
	c.bus.mu.Lock()
	c.router = r
	c.bus.mu.Unlock()
	return r
}

// Router returns the router created by NewRouter.
func (c *MemoryContext) Router() *Router {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	return c.router
}

// FrameLoads returns how many relay page loads this context's frames
// performed.
func (c *MemoryContext) FrameLoads() int {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	return c.frameLoad
}

// Unload tears the context down: its router stops, the hidden frames it
// created unload, and it disappears from its parent.
func (c *MemoryContext) Unload() {
	c.bus.mu.Lock()
	c.unloaded = true
	frames := c.frames
	c.frames = nil
	if c.parent != nil && c.parent.children[c.id] == c {
		delete(c.parent.children, c.id)
	}
	r := c.router
	c.bus.mu.Unlock()

	if r != nil {
		r.Unload()
	}
	for _, f := range frames {
		f.unload()
	}
}

// UnloadFrames unloads the hidden frames of this context while it stays
// alive, as when a frame is removed from the page.
func (c *MemoryContext) UnloadFrames() {
	c.bus.mu.Lock()
	frames := c.frames
	c.frames = nil
	c.bus.mu.Unlock()
	for _, f := range frames {
		f.unload()
	}
}

// Replay re-notifies watchers of this context's channel for peer with
// its current payload, as a relay substrate is allowed to.
func (c *MemoryContext) Replay(peer PeerID) {
	c.bus.mu.Lock()
	ch := c.channels[peer]
	var watchers []func(string)
	if ch != nil {
		watchers = append(watchers, ch.watchers...)
	}
	c.bus.mu.Unlock()
	for _, w := range watchers {
		c.bus.notify(ch, w)
	}
}

// resolve finds the context target addresses from c. Callers hold
// bus.mu.
func (c *MemoryContext) resolveLocked(target PeerID) *MemoryContext {
	var dst *MemoryContext
	switch target {
	case Parent:
		dst = c.parent
	case SelfPeer:
		dst = c
	default:
		dst = c.children[target]
	}
	if dst == nil || dst.unloaded {
		return nil
	}
	return dst
}

func (b *MemoryBus) notify(ch *memoryChannel, w func(string)) {
	b.clock.Post(func() {
		b.mu.Lock()
		_, fragment := splitFragment(ch.url)
		b.mu.Unlock()
		w(fragment)
	})
}

type memoryPort struct{ c *MemoryContext }

func (p memoryPort) PostMessage(target PeerID, data []byte, targetOrigin string) error {
	b := p.c.bus
	b.mu.Lock()
	dst := p.c.resolveLocked(target)
	syncPort := b.syncPort
	b.mu.Unlock()
	if dst == nil {
		return fmt.Errorf("%w: %s", ErrPortClosed, target)
	}
	if targetOrigin != "*" && targetOrigin != dst.origin {
		return nil
	}
	cp := append([]byte(nil), data...)
	from := p.c.origin
	deliver := func() {
		b.mu.Lock()
		h := dst.handler
		gone := dst.unloaded
		if h == nil && !gone {
			dst.pending = append(dst.pending, memoryMessage{data: cp, origin: from})
		}
		b.mu.Unlock()
		if h != nil && !gone {
			h(cp, from)
		}
	}
	if syncPort {
		deliver()
	} else {
		b.clock.Post(deliver)
	}
	return nil
}

// OnMessage installs the listener. Messages that arrived before it are
// handed over in order, after the caller returns.
func (p memoryPort) OnMessage(handler func(data []byte, origin string)) {
	b := p.c.bus
	b.mu.Lock()
	p.c.handler = handler
	pending := p.c.pending
	p.c.pending = nil
	b.mu.Unlock()
	for _, m := range pending {
		b.clock.Post(func() { handler(m.data, m.origin) })
	}
}

type memoryElements struct{ c *MemoryContext }

func (e memoryElements) Element(id PeerID) *FrameElement {
	e.c.bus.mu.Lock()
	defer e.c.bus.mu.Unlock()
	if child := e.c.children[id]; child != nil {
		return child.element
	}
	return nil
}

func (e memoryElements) Self() *FrameElement {
	if e.c.parent == nil {
		return nil
	}
	return e.c.element
}

type memoryRelays struct{ c *MemoryContext }

func (m memoryRelays) Open(peer PeerID, relayURL string) (RelayLink, error) {
	b := m.c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := m.c.channels[peer]
	if !ok {
		ch = &memoryChannel{}
		m.c.channels[peer] = ch
	}
	return &memoryLink{bus: b, ch: ch}, nil
}

func (m memoryRelays) Watch(peer PeerID, onChange func(fragment string)) bool {
	b := m.c.bus
	b.mu.Lock()
	dst := m.c.resolveLocked(peer)
	if dst == nil {
		b.mu.Unlock()
		return false
	}
	// The counterpart keys the channel it created for us by the id it
	// uses for us.
	key := Parent
	if peer == Parent {
		key = m.c.id
	}
	ch := dst.channels[key]
	if ch == nil || ch.url == "" {
		b.mu.Unlock()
		return false
	}
	ch.watchers = append(ch.watchers, onChange)
	b.mu.Unlock()
	b.notify(ch, onChange)
	return true
}

type memoryLink struct {
	bus *MemoryBus
	ch  *memoryChannel
}

func (l *memoryLink) Navigate(u string) error {
	l.bus.mu.Lock()
	l.ch.url = u
	watchers := slices.Clone(l.ch.watchers)
	l.bus.mu.Unlock()
	for _, w := range watchers {
		l.bus.notify(l.ch, w)
	}
	return nil
}

type memoryNavigator struct{ c *MemoryContext }

func (n memoryNavigator) NewFrame() Frame {
	f := &memoryFrame{c: n.c}
	n.c.bus.mu.Lock()
	n.c.frames = append(n.c.frames, f)
	n.c.bus.mu.Unlock()
	return f
}

// memoryFrame is a hidden frame. It is also the RelayWindow handed to
// the router serving the loaded relay page.
type memoryFrame struct {
	c *MemoryContext

	mu       sync.Mutex
	onUnload []func()
}

func (f *memoryFrame) Load(u string, onload func()) error {
	b := f.c.bus
	base, fragment := splitFragment(u)
	b.clock.Post(func() {
		b.mu.Lock()
		var dst *Router
		for _, c := range b.contexts {
			if c.unloaded || c.router == nil {
				continue
			}
			if c.relayURL == base {
				dst = c.router
				break
			}
		}
		f.c.frameLoad++
		b.mu.Unlock()
		if dst != nil {
			dst.Receive(fragment, f)
		}
		if onload != nil {
			onload()
		}
	})
	return nil
}

func (f *memoryFrame) OnUnload(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onUnload = append(f.onUnload, fn)
}

func (f *memoryFrame) unload() {
	f.mu.Lock()
	hooks := f.onUnload
	f.onUnload = nil
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type memoryFrames struct{ c *MemoryContext }

func (m memoryFrames) ChildURL(id PeerID) (string, bool) {
	m.c.bus.mu.Lock()
	defer m.c.bus.mu.Unlock()
	child := m.c.children[id]
	if child == nil || child.unloaded {
		return "", false
	}
	return child.location, true
}

func (m memoryFrames) SameContext(id PeerID) SameContextReceiver {
	m.c.bus.mu.Lock()
	defer m.c.bus.mu.Unlock()
	dst := m.c.resolveLocked(id)
	if dst == nil || dst.router == nil {
		return nil
	}
	return dst.router
}
