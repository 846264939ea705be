// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

var (
	ErrPortClosed    = errors.New("framerpc: port closed")
	ErrFrameTooLarge = errors.New("framerpc: frame too large")
)

// maxFrameSize bounds a single stream frame.
const maxFrameSize = 64 * 1024 * 1024

// FrameType identifies stream frames
type FrameType uint8

const (
	FrameHello   FrameType = 0x01 // payload is the sender's peer id
	FrameMessage FrameType = 0x02 // payload is a serialized envelope
)

// Frame layout: [4 len][1 type][2 originLen][origin][payload]. origin is
// the sender's own origin, reported to the receiving handler.
func writeFrame(w io.Writer, typ FrameType, origin string, payload []byte) error {
	msgLen := 1 + 2 + len(origin) + len(payload)
	if msgLen > maxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(typ)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(origin)))
	copy(buf[7:], origin)
	copy(buf[7+len(origin):], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (FrameType, string, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, "", nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen > maxFrameSize {
		return 0, "", nil, ErrFrameTooLarge
	}
	if msgLen < 3 {
		return 0, "", nil, fmt.Errorf("framerpc: short frame (%d bytes)", msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, "", nil, err
	}
	originLen := int(binary.BigEndian.Uint16(msg[1:3]))
	if len(msg) < 3+originLen {
		return 0, "", nil, fmt.Errorf("framerpc: truncated frame origin")
	}
	return FrameType(msg[0]), string(msg[3 : 3+originLen]), msg[3+originLen:], nil
}

// StreamPort is a MessagePort connecting this context with exactly one
// remote context over a byte stream.
type StreamPort struct {
	conn         net.Conn
	remote       PeerID
	origin       string
	remoteOrigin string

	writeMu  sync.Mutex
	mu       sync.Mutex
	handler  func(data []byte, origin string)
	closed   atomic.Bool
	readDone chan struct{}
}

// NewStreamPort wraps conn. remote is the id this context uses for the
// other end (Parent for a child); origin and remoteOrigin are the
// origins of the two ends.
func NewStreamPort(conn net.Conn, remote PeerID, origin, remoteOrigin string) *StreamPort {
	p := &StreamPort{
		conn:         conn,
		remote:       remote,
		origin:       origin,
		remoteOrigin: remoteOrigin,
		readDone:     make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// DialStream connects a child context to a StreamServer and announces
// id.
func DialStream(ctx context.Context, addr string, id PeerID, origin, parentOrigin string) (*StreamPort, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	if err := writeFrame(conn, FrameHello, origin, []byte(id)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream hello: %w", err)
	}
	return NewStreamPort(conn, Parent, origin, parentOrigin), nil
}

// PostMessage implements MessagePort.
func (p *StreamPort) PostMessage(target PeerID, data []byte, targetOrigin string) error {
	if p.closed.Load() {
		return ErrPortClosed
	}
	if target == SelfPeer {
		p.deliverSelf(data)
		return nil
	}
	if target != p.remote {
		return fmt.Errorf("framerpc: no stream to %q", target)
	}
	if targetOrigin != "*" && targetOrigin != p.remoteOrigin {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrame(p.conn, FrameMessage, p.origin, data); err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	return nil
}

// OnMessage implements MessagePort.
func (p *StreamPort) OnMessage(handler func(data []byte, origin string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *StreamPort) deliverSelf(data []byte) {
	cp := append([]byte(nil), data...)
	go p.deliver(cp, p.origin)
}

func (p *StreamPort) deliver(data []byte, origin string) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(data, origin)
	}
}

func (p *StreamPort) readLoop() {
	defer close(p.readDone)
	for {
		typ, origin, payload, err := readFrame(p.conn)
		if err != nil {
			return
		}
		if typ == FrameMessage {
			p.deliver(payload, origin)
		}
	}
}

// Done is closed when the remote end goes away.
func (p *StreamPort) Done() <-chan struct{} { return p.readDone }

// Close closes the connection
func (p *StreamPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.conn.Close()
}

// StreamServer is the parent-side MessagePort for many children, each
// on its own connection. A child's first frame must be a hello carrying
// its id.
type StreamServer struct {
	listener net.Listener
	origin   string
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[PeerID]*streamConn
	handler func(data []byte, origin string)
	closed  atomic.Bool
}

type streamConn struct {
	conn    net.Conn
	origin  string
	writeMu sync.Mutex
}

// NewStreamServer creates a stream server for the parent at origin.
func NewStreamServer(listener net.Listener, origin string, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamServer{
		listener: listener,
		origin:   origin,
		logger:   logger,
		conns:    make(map[PeerID]*streamConn),
	}
}

// Serve accepts children until Close.
func (s *StreamServer) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *StreamServer) handleConn(conn net.Conn) {
	defer conn.Close()
	typ, origin, payload, err := readFrame(conn)
	if err != nil || typ != FrameHello || len(payload) == 0 {
		s.logger.Debug("stream child without hello", "remote", conn.RemoteAddr())
		return
	}
	id := PeerID(payload)
	sc := &streamConn{conn: conn, origin: origin}
	s.mu.Lock()
	s.conns[id] = sc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conns[id] == sc {
			delete(s.conns, id)
		}
		s.mu.Unlock()
	}()

	for {
		typ, origin, payload, err := readFrame(conn)
		if err != nil {
			return
		}
		if typ == FrameMessage {
			s.deliver(payload, origin)
		}
	}
}

// PostMessage implements MessagePort.
func (s *StreamServer) PostMessage(target PeerID, data []byte, targetOrigin string) error {
	if s.closed.Load() {
		return ErrPortClosed
	}
	if target == SelfPeer {
		cp := append([]byte(nil), data...)
		go s.deliver(cp, s.origin)
		return nil
	}
	s.mu.Lock()
	sc := s.conns[target]
	s.mu.Unlock()
	if sc == nil {
		return fmt.Errorf("framerpc: no stream to %q", target)
	}
	if targetOrigin != "*" && targetOrigin != sc.origin {
		return nil
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return writeFrame(sc.conn, FrameMessage, s.origin, data)
}

// OnMessage implements MessagePort.
func (s *StreamServer) OnMessage(handler func(data []byte, origin string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *StreamServer) deliver(data []byte, origin string) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(data, origin)
	}
}

// Connected reports whether child id is connected.
func (s *StreamServer) Connected(id PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	return ok
}

// Close closes the server
func (s *StreamServer) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	for _, sc := range s.conns {
		sc.conn.Close()
	}
	s.mu.Unlock()
	return s.listener.Close()
}

// Addr returns the listener address
func (s *StreamServer) Addr() net.Addr {
	return s.listener.Addr()
}
