// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/framerpc/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	parentLocation = "http://parent.example/page.html"
	childOrigin    = "http://child.example"
	childToken     = "secret"
)

// childSource is the src of a child embedded by parentLocation. extra
// is appended to its query.
func childSource(extra string) string {
	return childOrigin + "/gadget.html?parent=" + url.QueryEscape(parentLocation) +
		"&rpctoken=" + childToken + extra
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type violationLog struct {
	mu    sync.Mutex
	codes []SecurityCode
	peers []PeerID
}

func (v *violationLog) record(peer PeerID, code SecurityCode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.codes = append(v.codes, code)
	v.peers = append(v.peers, peer)
}

func (v *violationLog) list() []SecurityCode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]SecurityCode(nil), v.codes...)
}

// pair is a parent context embedding one child "kid" on a memory bus.
type pair struct {
	clk           *clock.FakeClock
	bus           *MemoryBus
	top, kid      *MemoryContext
	parent, child *Router

	parentViolations *violationLog
	childViolations  *violationLog
}

// newPair builds both routers with caps and sets the child up from the
// parent. Nothing has been delivered yet when it returns.
func newPair(t *testing.T, caps Capabilities, src string, opts ...Option) *pair {
	t.Helper()
	p := &pair{
		clk:              clock.Fake(epoch),
		parentViolations: &violationLog{},
		childViolations:  &violationLog{},
	}
	p.bus = NewMemoryBus(p.clk)
	p.top = p.bus.AddContext("", parentLocation)
	p.kid = p.top.AddChild("kid", src)

	parentOpts := append([]Option{
		WithLogger(quietLogger()),
		WithSecurityCallback(p.parentViolations.record),
	}, opts...)
	childOpts := append([]Option{
		WithLogger(quietLogger()),
		WithSecurityCallback(p.childViolations.record),
	}, opts...)

	p.parent = p.top.NewRouter(caps, parentOpts...)
	p.child = p.kid.NewRouter(caps, childOpts...)
	if err := p.parent.SetupReceiver("kid"); err != nil {
		t.Fatalf("SetupReceiver: %v", err)
	}
	return p
}

// settle runs the handshake to completion and checks both ends.
func (p *pair) settle(t *testing.T) {
	t.Helper()
	p.clk.Advance(DefaultSetupTimeout)
	if s := p.parent.PeerState("kid"); s != StateReady {
		t.Fatalf("parent sees kid %v, want ready", s)
	}
	if s := p.child.PeerState(Parent); s != StateReady {
		t.Fatalf("child sees parent %v, want ready", s)
	}
}

// recorder collects the first argument of every request to a service.
type recorder struct {
	mu   sync.Mutex
	args []any
	from []PeerID
}

func (rec *recorder) handle(req *Request) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var arg any
	if len(req.Args) > 0 {
		arg = req.Args[0]
	}
	rec.args = append(rec.args, arg)
	rec.from = append(rec.from, req.From)
}

func (rec *recorder) got() []any {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]any(nil), rec.args...)
}

// stubTransport records what the router asks of it. Its results are
// set by the test.
type stubTransport struct {
	mu         sync.Mutex
	setupOK    bool
	callOK     bool
	verifiable bool
	setups     []PeerID
	calls      []*Envelope
	onCall     func(env *Envelope)
	onReceive  func(*Envelope)
	onReady    func(PeerID, bool)
}

func (s *stubTransport) Code() TransportCode { return "stub" }

func (s *stubTransport) IsParentVerifiable(PeerID) bool { return s.verifiable }

func (s *stubTransport) Init(onReceive func(*Envelope), onReady func(PeerID, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = onReceive
	s.onReady = onReady
	return true
}

func (s *stubTransport) Setup(peer PeerID, _ string, _ bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setups = append(s.setups, peer)
	return s.setupOK
}

func (s *stubTransport) Call(_, _ PeerID, env *Envelope) bool {
	s.mu.Lock()
	s.calls = append(s.calls, env.clone())
	hook := s.onCall
	ok := s.callOK
	s.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return ok
}

func (s *stubTransport) setupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.setups)
}

func (s *stubTransport) sent() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Envelope(nil), s.calls...)
}

func (s *stubTransport) ready(peer PeerID, success bool) {
	s.mu.Lock()
	f := s.onReady
	s.mu.Unlock()
	f(peer, success)
}

func (s *stubTransport) receive(env *Envelope) {
	s.mu.Lock()
	f := s.onReceive
	s.mu.Unlock()
	f(env)
}

// useStub registers stub under a code private to the test.
func useStub(t *testing.T, stub *stubTransport) TransportCode {
	t.Helper()
	code := TransportCode("stub-" + t.Name())
	transportsMu.Lock()
	transports[code] = func(*Router) Transport { return stub }
	transportsMu.Unlock()
	t.Cleanup(func() {
		transportsMu.Lock()
		delete(transports, code)
		transportsMu.Unlock()
	})
	return code
}

// newStubRouter builds a top-level router on stub without a frame
// locator, so every peer exists.
func newStubRouter(t *testing.T, stub *stubTransport, opts ...Option) (*Router, *clock.FakeClock, *violationLog) {
	t.Helper()
	clk := clock.Fake(epoch)
	violations := &violationLog{}
	env := Environment{Location: parentLocation}
	opts = append([]Option{
		WithClock(clk),
		WithLogger(quietLogger()),
		WithTransport(useStub(t, stub)),
		WithSecurityCallback(violations.record),
	}, opts...)
	return New(env, opts...), clk, violations
}
