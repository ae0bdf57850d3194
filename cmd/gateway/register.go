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
	"github.com/spf13/cobra"

	"github.com/relaynet/gateway-core/poweb"
	"github.com/relaynet/gateway-core/registrar"
)

var registerCmd = &cobra.Command{
	Use:   "register [public-gateway-address]",
	Short: "Register this gateway with a public gateway",
	Long: `register performs the one-shot pre-register/register round trip
against the given public gateway address. It is idempotent: if this
gateway is already registered with that address, it does nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registrar.New(st.keys, st.config, poweb.NewFactory(nil), st.log)

	regCtx, cancel := registrar.WithTimeout(ctx)
	defer cancel()

	return reg.Register(regCtx, args[0])
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
