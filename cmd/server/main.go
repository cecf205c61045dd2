// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

// Package main is the entry point for the Bastion server.
//
// Bastion watches a multi-tenant communication platform for rate-based
// anomalies and applies escalating sanctions. The server initializes
// components in the following order:
//
//  1. Configuration: layered defaults, YAML file, environment (Koanf v2)
//  2. Store: DuckDB for votes, ballots, and the moderation audit log
//  3. Platform client: rate-limited, circuit-broken sanction executor
//  4. Detection engine: admin-action, raid, and throughput detectors
//  5. Vote escalation and role election engines
//  6. Event bus: Watermill router feeding events to the engine
//  7. HTTP server: ingestion, votes, lockdown, and detector management
//
// Everything long-running is placed under a suture supervisor tree, so a
// crashing layer restarts in isolation. The server shuts down gracefully
// on SIGINT and SIGTERM.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/bastion-dev/bastion/internal/api"
	"github.com/bastion-dev/bastion/internal/config"
	"github.com/bastion-dev/bastion/internal/detection"
	"github.com/bastion-dev/bastion/internal/eventbus"
	"github.com/bastion-dev/bastion/internal/executor"
	"github.com/bastion-dev/bastion/internal/logging"
	"github.com/bastion-dev/bastion/internal/store"
	"github.com/bastion-dev/bastion/internal/supervisor"
	"github.com/bastion-dev/bastion/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Store.Path).
		Str("platform", cfg.Executor.BaseURL).
		Bool("detection_enabled", cfg.Detection.Enabled).
		Msg("starting bastion")

	db, err := store.Open(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing store")
		}
	}()

	client := executor.NewClient(cfg.Executor)

	engine, raid, err := buildEngine(cfg, client)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to configure detectors")
	}

	votes := detection.NewVoteEscalationEngine(db, client, client)
	if err := configureFromSection(votes, cfg.Detection.Votes); err != nil {
		logging.Fatal().Err(err).Msg("invalid vote configuration")
	}
	elections := detection.NewRoleElectionEngine(db, client, client, cfg.Detection.Election)

	bus, err := eventbus.New(cfg.Bus, engine, db)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create event bus")
	}

	server := api.NewServer(cfg.Server, engine, bus, votes, elections, raid, db)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(services.NewPruneService(db,
		cfg.Retention.PruneInterval, cfg.Retention.VoteRetentionDays))
	tree.AddDetectionService(services.NewRunnerService("event-bus", bus))
	tree.AddDetectionService(services.NewRunnerService("detection-engine", engine))
	tree.AddAPIService(services.NewRunnerService("http-server", server))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor stopped")
		os.Exit(1)
	}
	logging.Info().Msg("bastion stopped")
}

// buildEngine constructs the detection engine with all detectors wired to
// the platform client and configured from the loaded settings. The raid
// detector is returned separately because it also serves the manual
// lockdown endpoint.
func buildEngine(cfg *config.Config, client *executor.Client) (*detection.Engine, *detection.RaidDetector, error) {
	lockdown := detection.NewLockdownManager(client, client)

	adminAction := detection.NewAdminActionDetector(client, client)
	if err := configureFromSection(adminAction, cfg.Detection.AdminAction); err != nil {
		return nil, nil, err
	}

	raid := detection.NewRaidDetector(client, client, lockdown)
	if err := configureFromSection(raid, cfg.Detection.Raid); err != nil {
		return nil, nil, err
	}

	throttle := detection.NewThroughputThrottle(client)
	if err := configureFromSection(throttle, cfg.Detection.Throttle); err != nil {
		return nil, nil, err
	}

	engine := detection.NewEngine()
	engine.Register(adminAction,
		detection.EventChannelDelete,
		detection.EventRoleDelete,
		detection.EventBan,
		detection.EventWebhookCreate,
		detection.EventPermissionChange,
	)
	engine.Register(raid, detection.EventMemberJoin)
	engine.Register(throttle, detection.EventMessageSent)
	engine.SetEnabled(cfg.Detection.Enabled)

	return engine, raid, nil
}

// configurable is the Configure half of detection.Detector, also
// implemented by the vote engine.
type configurable interface {
	Configure(config json.RawMessage) error
}

func configureFromSection(target configurable, section any) error {
	raw, err := json.Marshal(section)
	if err != nil {
		return err
	}
	return target.Configure(raw)
}
