// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/framerpc/clock"
)

// ErrRelayStatus is returned when a relay page answers with a non-2xx
// status.
var ErrRelayStatus = errors.New("framerpc: relay page refused request")

// drainClose reads what is left of an HTTP response body before closing
// it, so the connection is not torn down with unread data (golang/go#46071).
func drainClose(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// retryable reports whether a failed relay request may succeed when
// sent again: the peer dropped or refused the connection.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}

// httpSender posts relay requests as JSON-RPC 2.0 calls.
type httpSender struct {
	clock   clock.Clock
	logger  *slog.Logger
	client  *http.Client
	headers http.Header
	retries int
	backoff time.Duration
}

func newHTTPSender(o *relayOptions) (relaySender, error) {
	return &httpSender{
		clock:  o.clock,
		logger: o.logger,
		// Relay pages are hit rarely; pooled connections mostly come
		// back closed by the peer.
		client: &http.Client{
			Timeout:   o.timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		headers: o.headers,
		retries: o.retries,
		backoff: o.backoff,
	}, nil
}

func (s *httpSender) publish(ctx context.Context, relayURL string, args *PublishArgs) error {
	var reply RelayReply
	return s.send(ctx, relayURL, "Relay.Publish", args, &reply)
}

func (s *httpSender) receive(ctx context.Context, relayURL string, args *ReceiveArgs) error {
	var reply RelayReply
	return s.send(ctx, relayURL, "Relay.Receive", args, &reply)
}

func (s *httpSender) close() error {
	s.client.CloseIdleConnections()
	return nil
}

// send calls method on the relay page at uri. Dropped connections are
// retried, doubling the pause each time.
func (s *httpSender) send(ctx context.Context, uri, method string, params, reply any) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("framerpc: encoding %s: %w", method, err)
	}

	pause := s.backoff
	for attempt := 1; ; attempt++ {
		err := s.post(ctx, uri, body, reply)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt > s.retries {
			return fmt.Errorf("framerpc: %s to %s (attempt %d): %w", method, uri, attempt, err)
		}
		s.logger.Debug("retrying relay request", "method", method, "url", uri, "attempt", attempt, "pause", pause, "error", err)
		if err := s.sleep(ctx, pause); err != nil {
			return err
		}
		pause *= 2
	}
}

// post issues one request and decodes its reply.
func (s *httpSender) post(ctx context.Context, uri string, body []byte, reply any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = s.headers.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrRelayStatus, resp.Status)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}

// sleep waits d on the relay clock.
func (s *httpSender) sleep(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	timer := s.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}

// relayService is the JSON-RPC receiver behind RelayHandler.
type relayService struct {
	relay *Relay
}

// Publish stores a relay channel publication.
func (s *relayService) Publish(_ *http.Request, args *PublishArgs, reply *RelayReply) error {
	s.relay.handlePublish(args)
	reply.OK = true
	return nil
}

// Receive runs a relay page load.
func (s *relayService) Receive(_ *http.Request, args *ReceiveArgs, reply *RelayReply) error {
	s.relay.handleReceive(args)
	reply.OK = true
	return nil
}

// RelayHandler serves the relay page of r: the Relay.Publish and
// Relay.Receive JSON-RPC 2.0 methods.
func RelayHandler(r *Relay) (http.Handler, error) {
	server := gorillarpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	server.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	if err := server.RegisterService(&relayService{relay: r}, "Relay"); err != nil {
		return nil, fmt.Errorf("registering relay service: %w", err)
	}
	return server, nil
}
