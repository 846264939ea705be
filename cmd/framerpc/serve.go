// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luxfi/framerpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a parent context",
	Long: `serve runs a parent context. Children connect to /ws?id=<id>; the
relay page is served at /relay. The parent offers the "echo" and "time"
services.`,
	RunE: runServe,
}

func init() {
	addCommonFlags(serveCmd.Flags())
	serveCmd.Flags().String("listen", "", "listen address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	codec, err := framerpc.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	relay, err := framerpc.NewRelay(cfg.Relay.Network, "", framerpc.WithRelayLogger(logger))
	if err != nil {
		return err
	}
	defer relay.Close()
	relayHandler, err := framerpc.RelayHandler(relay)
	if err != nil {
		return err
	}
	hub := framerpc.NewWebSocketHub(cfg.Origin, cfg.AllowedOrigins,
		framerpc.WithDialCodec(codec), framerpc.WithDialLogger(logger))
	defer hub.Close()

	env := framerpc.Environment{
		ID:           framerpc.PeerID(cfg.ID),
		Location:     cfg.Location(),
		Capabilities: framerpc.Capabilities{NativeMessaging: true},
		Port:         hub,
		Relays:       relay,
		Navigator:    relay,
		Frames:       hub,
	}
	router := framerpc.New(env, append(opts, framerpc.WithLogger(logger))...)
	relay.Attach(router)
	defer router.Unload()

	if err := registerParentServices(router); err != nil {
		return err
	}

	rotator := framerpc.NewRotator(router, framerpc.RandomIssuer{}, cfg.Rotation.Interval)
	receiverOpts := []framerpc.ReceiverOption{framerpc.WithAuthToken(cfg.RPCToken)}
	if cfg.Relay.ChildURL != "" {
		receiverOpts = append(receiverOpts, framerpc.WithRelayURL(cfg.Relay.ChildURL))
	}
	hub.OnConnect(func(id framerpc.PeerID) {
		if err := router.SetupReceiver(id, receiverOpts...); err != nil {
			logger.Warn("child setup failed", "peer", id, "error", err)
			return
		}
		rotator.Track(id)
	})
	hub.OnDisconnect(router.RemoveReceiver)
	rotator.Start()
	defer rotator.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/relay", relayHandler)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("serving", "listen", cfg.Listen, "transport", router.RelayChannel())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func registerParentServices(router *framerpc.Router) error {
	if err := router.Register("echo", func(req *framerpc.Request) {
		if len(req.Args) == 0 {
			req.Reply(nil)
			return
		}
		req.Reply(req.Args[0])
	}); err != nil {
		return err
	}
	return router.Register("time", func(req *framerpc.Request) {
		req.Reply(time.Now().UTC().Format(time.RFC3339))
	})
}
