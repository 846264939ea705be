// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command framerpc runs a parent context serving children over
// websockets, or a child context that calls its parent.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/luxfi/framerpc"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "framerpc",
	Short: "Cross-context RPC parent and child",
	Long: `framerpc runs either side of a cross-context call layer: a parent
that embeds children over websockets and serves its relay page over
HTTP, or a child that connects to a parent and calls one service.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $FRAMERPC_CONFIG)")
	rootCmd.AddCommand(serveCmd, callCmd, transportsCmd)
}

// loadConfig reads the configuration and applies explicitly set flags
// on top of it.
func loadConfig(flags *pflag.FlagSet) (framerpc.Config, error) {
	cfg, err := framerpc.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "id":
			cfg.ID = f.Value.String()
		case "origin":
			cfg.Origin = f.Value.String()
		case "listen":
			cfg.Listen = f.Value.String()
		case "token":
			cfg.RPCToken = f.Value.String()
		case "codec":
			cfg.Codec = f.Value.String()
		case "log-level":
			cfg.Log.Level = f.Value.String()
		}
	})
	return cfg, cfg.Validate()
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("origin", "", "origin of this context")
	flags.String("token", "", "auth token shared with the counterpart")
	flags.String("codec", "", "wire codec for native ports (json, cbor)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, d)
}
