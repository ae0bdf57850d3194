// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/relaynet/gateway-core/cogrpc"
	"github.com/relaynet/gateway-core/courier"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one courier collection/delivery cycle",
	Long: `sync runs a single courier sync: discover the default gateway on
the local network, collect any cargo waiting at the public gateway,
wait briefly, then deliver any Internet-bound parcels and pending
acks. Progress is reported as JSON lines on stdout; the process exits
0 on success, 1 if this gateway is unregistered, 2 on any other sync
failure.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		cmd.PrintErrln("Error:", err)
		os.Exit(courier.ExitFailedSync)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		cmd.PrintErrln("Error:", err)
		os.Exit(courier.ExitFailedSync)
	}
	defer st.Close()

	notifier := courier.NewStageNotifier(os.Stdout)
	driver := courier.New(st.parcels, st.keys, st.config, cogrpc.NewFactory(), notifier, st.log)

	os.Exit(driver.Run(ctx))
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
