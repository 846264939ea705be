// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// maxSocketMessageSize bounds one inbound websocket message.
const maxSocketMessageSize = 1 << 20

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[Origin(o, scheme(o))] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return false
			}
			return originSet[Origin(origin, scheme(origin))]
		},
	}
}

// WebSocketHub is the parent-side MessagePort for children connected
// over websockets. Children connect with ?id=<child id>; the Origin
// header of the upgrade request is the child's origin.
type WebSocketHub struct {
	upgrader websocket.Upgrader
	origin   string
	binary   bool
	logger   *slog.Logger

	mu           sync.Mutex
	conns        map[PeerID]*socketConn
	handler      func(data []byte, origin string)
	onConnect    func(PeerID)
	onDisconnect func(PeerID)
}

type socketConn struct {
	conn    *websocket.Conn
	origin  string
	writeMu sync.Mutex
}

func (c *socketConn) write(binary bool, data []byte) error {
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(mt, data)
}

// NewWebSocketHub creates a hub for the parent at origin. An empty
// allow-list, or one holding only "*", accepts every origin.
func NewWebSocketHub(origin string, allowedOrigins []string, opts ...DialOption) *WebSocketHub {
	o := newDialOptions(opts)
	return &WebSocketHub{
		upgrader: makeUpgrader(allowedOrigins),
		origin:   origin,
		binary:   isBinary(o.codec),
		logger:   o.logger,
		conns:    make(map[PeerID]*socketConn),
	}
}

// ServeHTTP upgrades a child connection and reads from it until it
// closes.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := PeerID(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "peer", id, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxSocketMessageSize)

	origin := Origin(r.Header.Get("Origin"), "http")
	sc := &socketConn{conn: conn, origin: origin}
	h.mu.Lock()
	if old, ok := h.conns[id]; ok {
		old.conn.Close()
	}
	h.conns[id] = sc
	onConnect := h.onConnect
	h.mu.Unlock()
	h.logger.Debug("child connected", "peer", id, "origin", origin)
	if onConnect != nil {
		onConnect(id)
	}

	defer func() {
		h.mu.Lock()
		current := h.conns[id] == sc
		if current {
			delete(h.conns, id)
		}
		onDisconnect := h.onDisconnect
		h.mu.Unlock()
		if current && onDisconnect != nil {
			onDisconnect(id)
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.deliver(msg, origin)
	}
}

// PostMessage implements MessagePort.
func (h *WebSocketHub) PostMessage(target PeerID, data []byte, targetOrigin string) error {
	if target == SelfPeer {
		cp := append([]byte(nil), data...)
		go h.deliver(cp, h.origin)
		return nil
	}
	h.mu.Lock()
	sc := h.conns[target]
	h.mu.Unlock()
	if sc == nil {
		return fmt.Errorf("%w: %s", ErrPortClosed, target)
	}
	if targetOrigin != "*" && targetOrigin != sc.origin {
		return nil
	}
	return sc.write(h.binary, data)
}

// OnMessage implements MessagePort.
func (h *WebSocketHub) OnMessage(handler func(data []byte, origin string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// OnConnect registers f to run when a child connects.
func (h *WebSocketHub) OnConnect(f func(PeerID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = f
}

// OnDisconnect registers f to run when a child's connection ends.
func (h *WebSocketHub) OnDisconnect(f func(PeerID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = f
}

func (h *WebSocketHub) deliver(data []byte, origin string) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler != nil {
		handler(data, origin)
	}
}

// ChildURL reports the origin of a connected child, which is what a
// hub knows of it, so the hub can serve as a FrameLocator.
func (h *WebSocketHub) ChildURL(id PeerID) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sc, ok := h.conns[id]
	if !ok {
		return "", false
	}
	return sc.origin + "/", true
}

// SameContext implements FrameLocator. Hub children never share the
// parent's execution context.
func (h *WebSocketHub) SameContext(PeerID) SameContextReceiver { return nil }

// Close disconnects every child.
func (h *WebSocketHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sc := range h.conns {
		sc.conn.Close()
		delete(h.conns, id)
	}
	return nil
}
