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
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relaynet/gateway-core/collector"
	"github.com/relaynet/gateway-core/gwconfig"
	"github.com/relaynet/gateway-core/internal/health"
	"github.com/relaynet/gateway-core/internal/logger"
	"github.com/relaynet/gateway-core/internal/metrics"
	"github.com/relaynet/gateway-core/poweb"
	"github.com/relaynet/gateway-core/registrar"
)

var serveDefaultPublicGateway string

var errUnregistered = fmt.Errorf("not registered with a public gateway")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the parcel collection server",
	Long: `serve starts the WebSocket parcel collection server for this
gateway's own endpoints. On startup, if the gateway has never
registered with a public gateway, it registers with
--public-gateway first.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	if serveDefaultPublicGateway != "" {
		reg := registrar.New(st.keys, st.config, poweb.NewFactory(nil), st.log)
		if err := reg.RegisterIfUnregistered(ctx, serveDefaultPublicGateway); err != nil {
			st.log.Warn("registration on startup failed, continuing unregistered", logger.Error(err))
		}
	}

	server := collector.NewServer(st.parcels, st.keys, st.log)
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/health", healthHandler(st))

	var g errgroup.Group
	g.Go(func() error {
		st.log.Info("parcel collection server listening", logger.String("addr", cfg.Collector.ListenAddr))
		return http.ListenAndServe(cfg.Collector.ListenAddr, mux)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			st.log.Info("metrics server listening", logger.String("addr", cfg.Metrics.Addr))
			return metrics.StartServer(cfg.Metrics.Addr)
		})
	}
	return g.Wait()
}

// healthHandler reports liveness of the Postgres parcel store and whether
// this gateway is currently registered with a public gateway.
func healthHandler(st *stores) http.Handler {
	checker := health.NewChecker(0, st.log)

	if pinger, ok := st.parcels.(interface{ Ping(context.Context) error }); ok {
		checker.Register("parcel_store", health.DatabaseCheck(pinger.Ping))
	}
	checker.Register("registration", func(ctx context.Context) error {
		registered, err := gwconfig.IsRegistered(ctx, st.config)
		if err != nil {
			return err
		}
		if !registered {
			return errUnregistered
		}
		return nil
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := checker.GetSystemHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if result.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	})
}

func init() {
	serveCmd.Flags().StringVar(&serveDefaultPublicGateway, "public-gateway", "", "public gateway address to register with on startup if unregistered (skipped if empty)")
	rootCmd.AddCommand(serveCmd)
}
