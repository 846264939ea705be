// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// DialOption configures websocket ports
type DialOption func(*dialOptions)

type dialOptions struct {
	codec  Codec
	origin string
	logger *slog.Logger
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{codec: defaultCodec, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithDialCodec selects text (JSON) or binary (CBOR) frames. It must
// match the codec of the router using the port.
func WithDialCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithDialOrigin sets the Origin header, i.e. the child's origin.
func WithDialOrigin(origin string) DialOption {
	return func(o *dialOptions) { o.origin = origin }
}

// WithDialLogger sets the port logger.
func WithDialLogger(l *slog.Logger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// WebSocketPort is the child-side MessagePort connected to a
// WebSocketHub.
type WebSocketPort struct {
	conn         *socketConn
	origin       string
	parentOrigin string
	binary       bool

	mu      sync.Mutex
	handler func(data []byte, origin string)
	done    chan struct{}
}

// Dial connects child id to the hub at addr (ws:// or wss://).
func Dial(ctx context.Context, addr string, id PeerID, opts ...DialOption) (*WebSocketPort, error) {
	o := newDialOptions(opts)
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	q := u.Query()
	q.Set("id", string(id))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if o.origin != "" {
		header.Set("Origin", o.origin)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxSocketMessageSize)

	// The hub's origin is the http(s) rendering of its own address.
	httpAddr := "http" + strings.TrimPrefix(addr, "ws")
	p := &WebSocketPort{
		conn:         &socketConn{conn: conn},
		origin:       Origin(o.origin, "http"),
		parentOrigin: Origin(httpAddr, scheme(httpAddr)),
		binary:       isBinary(o.codec),
		done:         make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *WebSocketPort) readLoop() {
	defer close(p.done)
	for {
		_, msg, err := p.conn.conn.ReadMessage()
		if err != nil {
			return
		}
		p.deliver(msg, p.parentOrigin)
	}
}

// PostMessage implements MessagePort.
func (p *WebSocketPort) PostMessage(target PeerID, data []byte, targetOrigin string) error {
	switch target {
	case SelfPeer:
		cp := append([]byte(nil), data...)
		go p.deliver(cp, p.origin)
		return nil
	case Parent:
		if targetOrigin != "*" && targetOrigin != p.parentOrigin {
			return nil
		}
		return p.conn.write(p.binary, data)
	default:
		return fmt.Errorf("framerpc: no websocket to %q", target)
	}
}

// OnMessage implements MessagePort.
func (p *WebSocketPort) OnMessage(handler func(data []byte, origin string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *WebSocketPort) deliver(data []byte, origin string) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(data, origin)
	}
}

// ParentOrigin returns the origin attributed to the hub.
func (p *WebSocketPort) ParentOrigin() string { return p.parentOrigin }

// Done is closed when the hub connection ends.
func (p *WebSocketPort) Done() <-chan struct{} { return p.done }

// Close closes the connection
func (p *WebSocketPort) Close() error {
	return p.conn.conn.Close()
}
