//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func init() {
	// Register the gRPC relay substrate when the build tag is enabled
	registerRelayNetwork("grpc", newGRPCSender)
}

const (
	relayPublishMethod = "/framerpc.Relay/Publish"
	relayReceiveMethod = "/framerpc.Relay/Receive"
)

// relayCodec carries relay messages as JSON over gRPC.
type relayCodec struct{}

func (relayCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (relayCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (relayCodec) Name() string                       { return "json" }

type grpcSender struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func newGRPCSender(*relayOptions) (relaySender, error) {
	return &grpcSender{conns: make(map[string]*grpc.ClientConn)}, nil
}

// grpcTarget reduces a relay URL (grpc://host:port/...) to host:port.
func grpcTarget(relayURL string) (string, error) {
	if !strings.Contains(relayURL, "://") {
		return relayURL, nil
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("grpc relay url: %w", err)
	}
	return u.Host, nil
}

func (s *grpcSender) conn(relayURL string) (*grpc.ClientConn, error) {
	target, err := grpcTarget(relayURL)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cc, ok := s.conns[target]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(relayCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	s.conns[target] = cc
	return cc, nil
}

func (s *grpcSender) publish(ctx context.Context, relayURL string, args *PublishArgs) error {
	cc, err := s.conn(relayURL)
	if err != nil {
		return err
	}
	var reply RelayReply
	return cc.Invoke(ctx, relayPublishMethod, args, &reply)
}

func (s *grpcSender) receive(ctx context.Context, relayURL string, args *ReceiveArgs) error {
	cc, err := s.conn(relayURL)
	if err != nil {
		return err
	}
	var reply RelayReply
	return cc.Invoke(ctx, relayReceiveMethod, args, &reply)
}

func (s *grpcSender) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for target, cc := range s.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.conns, target)
	}
	return firstErr
}

// relayEndpoint is the server side of the gRPC relay service.
type relayEndpoint interface {
	handlePublish(*PublishArgs)
	handleReceive(*ReceiveArgs)
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: "framerpc.Relay",
	HandlerType: (*relayEndpoint)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: relayPublishHandler},
		{MethodName: "Receive", Handler: relayReceiveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "framerpc/relay",
}

func relayPublishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PublishArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req any) (any, error) {
		srv.(relayEndpoint).handlePublish(req.(*PublishArgs))
		return &RelayReply{OK: true}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: relayPublishMethod}
	return interceptor(ctx, in, info, handler)
}

func relayReceiveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReceiveArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req any) (any, error) {
		srv.(relayEndpoint).handleReceive(req.(*ReceiveArgs))
		return &RelayReply{OK: true}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: relayReceiveMethod}
	return interceptor(ctx, in, info, handler)
}

// NewRelayGRPCServer returns a gRPC server speaking the relay codec with
// r registered as the relay service.
func NewRelayGRPCServer(r *Relay, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(relayCodec{})}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&relayServiceDesc, r)
	return s
}
