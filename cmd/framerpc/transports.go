// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luxfi/framerpc"
)

var transportsCmd = &cobra.Command{
	Use:   "transports",
	Short: "List transports, relay networks and the selection table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "transports:")
		for _, code := range framerpc.AvailableTransports() {
			fmt.Fprintf(out, "  %s\n", code)
		}
		fmt.Fprintln(out, "relay networks:")
		for _, name := range framerpc.AvailableRelayNetworks() {
			fmt.Fprintf(out, "  %s\n", name)
		}
		fmt.Fprintln(out, "selection:")
		rows := []struct {
			name string
			caps framerpc.Capabilities
		}{
			{"native messaging", framerpc.Capabilities{NativeMessaging: true}},
			{"legacy scripting", framerpc.Capabilities{LegacyScripting: true}},
			{"webkit", framerpc.Capabilities{WebKit: true}},
			{"gecko", framerpc.Capabilities{Gecko: true}},
			{"none", framerpc.Capabilities{}},
		}
		for _, row := range rows {
			fmt.Fprintf(out, "  %-16s -> %s\n", row.name, framerpc.SelectTransport(row.caps))
		}
		return nil
	},
}
