// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/framerpc/clock"
)

// RotateService carries a new token from a parent to a child.
const RotateService = "framerpc.rotate"

// Issuer hands out auth tokens. The token service itself lives
// elsewhere; this is the consuming side.
type Issuer interface {
	Issue(ctx context.Context, peer PeerID) (string, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, peer PeerID) (string, error)

func (f IssuerFunc) Issue(ctx context.Context, peer PeerID) (string, error) {
	return f(ctx, peer)
}

// RandomIssuer issues random UUID tokens.
type RandomIssuer struct{}

func (RandomIssuer) Issue(context.Context, PeerID) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("framerpc: issuing token: %w", err)
	}
	return id.String(), nil
}

// Rotator periodically replaces the tokens of a parent's children and
// tells each child its new token.
type Rotator struct {
	router   *Router
	issuer   Issuer
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	peers   []PeerID
	timer   *clock.Timer
	stopped bool
}

// NewRotator creates a rotator for router's children. It uses the
// router's clock and logger.
func NewRotator(router *Router, issuer Issuer, interval time.Duration) *Rotator {
	return &Rotator{
		router:   router,
		issuer:   issuer,
		clock:    router.clock,
		interval: interval,
		logger:   router.logger.With("component", "rotator"),
	}
}

// Track adds peer to the rotation set.
func (r *Rotator) Track(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, peer)
}

// Rotate issues and applies one new token per ready tracked peer. The
// new token is announced under the old one, then becomes current.
func (r *Rotator) Rotate(ctx context.Context) error {
	r.mu.Lock()
	peers := append([]PeerID(nil), r.peers...)
	r.mu.Unlock()

	for _, peer := range peers {
		// Queued envelopes take the current token at flush time, which
		// the peer would not know yet.
		if r.router.PeerState(peer) != StateReady {
			continue
		}
		token, err := r.issuer.Issue(ctx, peer)
		if err != nil {
			return fmt.Errorf("rotating %s: %w", peer, err)
		}
		r.router.Call(peer, RotateService, nil, token)
		r.router.UpdateAuthToken(peer, token)
		r.logger.Debug("token rotated", "peer", peer)
	}
	return nil
}

// Start rotates every interval until Stop.
func (r *Rotator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interval <= 0 || r.timer != nil {
		return
	}
	r.stopped = false
	r.scheduleLocked()
}

func (r *Rotator) scheduleLocked() {
	r.timer = r.clock.AfterFunc(r.interval, func() {
		if err := r.Rotate(context.Background()); err != nil {
			r.logger.Warn("token rotation failed", "error", err)
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.stopped {
			r.scheduleLocked()
		}
	})
}

// Stop cancels future rotations.
func (r *Rotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.timer.Stop()
	r.timer = nil
}

// AcceptRotation lets a child router apply tokens its parent rotates.
func AcceptRotation(router *Router) error {
	return router.Register(RotateService, func(req *Request) {
		if req.From != Parent {
			return
		}
		var token string
		if err := req.Decode(0, &token); err != nil || token == "" {
			router.logger.Warn("ignoring malformed token rotation", "error", err)
			return
		}
		router.UpdateAuthToken(Parent, token)
	})
}
