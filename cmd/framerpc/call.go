// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/luxfi/framerpc"
)

var callCmd = &cobra.Command{
	Use:   "call <service> [json-arg...]",
	Short: "Run a child context and call a parent service",
	Long: `call connects a child context to a parent's websocket hub, calls one
service and prints the reply as JSON. Arguments are parsed as JSON and
passed as strings when they are not valid JSON.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	addCommonFlags(callCmd.Flags())
	callCmd.Flags().String("id", "", "child id (default: random)")
	callCmd.Flags().String("hub", "ws://localhost:8080/ws", "parent websocket hub")
	callCmd.Flags().Duration("timeout", 10*time.Second, "reply timeout")
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	hubURL, _ := cmd.Flags().GetString("hub")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Parent == "" {
		u, err := url.Parse(hubURL)
		if err != nil {
			return fmt.Errorf("hub url: %w", err)
		}
		cfg.Parent = "http" + strings.TrimPrefix(u.Scheme, "ws") + "://" + u.Host + "/"
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

	ctx, cancel := contextWithTimeout(cmd, timeout)
	defer cancel()
	port, err := framerpc.Dial(ctx, hubURL, framerpc.PeerID(cfg.ID),
		framerpc.WithDialOrigin(cfg.Origin), framerpc.WithDialCodec(codec), framerpc.WithDialLogger(logger))
	if err != nil {
		return err
	}
	defer port.Close()

	env := framerpc.Environment{
		ID:           framerpc.PeerID(cfg.ID),
		IsChild:      true,
		Location:     cfg.Location(),
		Capabilities: framerpc.Capabilities{NativeMessaging: true},
		Port:         port,
	}
	router := framerpc.New(env, append(opts, framerpc.WithLogger(logger))...)
	defer router.Unload()
	if err := framerpc.AcceptRotation(router); err != nil {
		return err
	}

	callArgs := make([]any, 0, len(args)-1)
	for _, a := range args[1:] {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		callArgs = append(callArgs, v)
	}

	replies := make(chan any, 1)
	status := router.Call(framerpc.Parent, args[0], func(result any) { replies <- result }, callArgs...)
	logger.Debug("call issued", "service", args[0], "status", status.String())

	select {
	case result := <-replies:
		out, err := json.Marshal(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	case <-port.Done():
		return fmt.Errorf("parent closed the connection")
	case <-ctx.Done():
		return fmt.Errorf("no reply to %s within %s", args[0], timeout)
	}
}
