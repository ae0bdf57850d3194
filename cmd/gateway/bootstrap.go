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
	"fmt"
	"os"
	"strings"

	"github.com/relaynet/gateway-core/gwconfig"
	"github.com/relaynet/gateway-core/internal/config"
	"github.com/relaynet/gateway-core/internal/logger"
	"github.com/relaynet/gateway-core/keystore"
	"github.com/relaynet/gateway-core/parcelstore"
)

// stores bundles the three Postgres-backed stores every subcommand
// needs, plus the logger they share.
type stores struct {
	parcels parcelstore.Store
	keys    keystore.Store
	config  gwconfig.Store
	log     logger.Logger
}

func (s *stores) Close() {
	_ = s.parcels.Close()
	_ = s.keys.Close()
	_ = s.config.Close()
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.LoaderOptions{ConfigPath: configPath, EnvFile: ".env"})
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	log := logger.NewLogger(os.Stderr, levelFromString(cfg.Logging.Level))

	pgCfg := parcelstore.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}

	parcels, err := parcelstore.NewPostgres(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("open parcel store: %w", err)
	}
	keys, err := keystore.NewPostgres(ctx, pgCfg)
	if err != nil {
		_ = parcels.Close()
		return nil, fmt.Errorf("open key store: %w", err)
	}
	configStore, err := gwconfig.NewPostgres(ctx, pgCfg)
	if err != nil {
		_ = parcels.Close()
		_ = keys.Close()
		return nil, fmt.Errorf("open config store: %w", err)
	}

	return &stores{parcels: parcels, keys: keys, config: configStore, log: log}, nil
}

func levelFromString(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DebugLevel
	case "warn", "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	case "fatal":
		return logger.FatalLevel
	default:
		return logger.InfoLevel
	}
}
