// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

// Package config loads Bastion's layered configuration: struct defaults,
// then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bastion-dev/bastion/internal/api"
	"github.com/bastion-dev/bastion/internal/detection"
	"github.com/bastion-dev/bastion/internal/eventbus"
	"github.com/bastion-dev/bastion/internal/executor"
	"github.com/bastion-dev/bastion/internal/store"
)

// Config is the full application configuration.
type Config struct {
	Server    api.Config      `koanf:"server" json:"server"`
	Store     store.Config    `koanf:"store" json:"store"`
	Executor  executor.Config `koanf:"executor" json:"executor"`
	Bus       eventbus.Config `koanf:"bus" json:"bus"`
	Detection DetectionConfig `koanf:"detection" json:"detection"`
	Retention RetentionConfig `koanf:"retention" json:"retention"`
	Logging   LoggingConfig   `koanf:"logging" json:"logging"`
}

// DetectionConfig carries the engine switch and per-detector settings.
// The detector sections are handed to the engine as JSON at startup, so
// the same validation applies to file configuration and runtime updates.
type DetectionConfig struct {
	// Enabled is the engine master switch.
	Enabled bool `koanf:"enabled" json:"enabled"`

	AdminAction detection.AdminActionConfig `koanf:"admin_action" json:"admin_action"`
	Raid        detection.RaidConfig        `koanf:"raid" json:"raid"`
	Throttle    detection.ThrottleConfig    `koanf:"throttle" json:"throttle"`
	Votes       detection.VoteConfig        `koanf:"votes" json:"votes"`
	Election    detection.ElectionConfig    `koanf:"election" json:"election"`
}

// RetentionConfig controls the vote-pruning maintenance loop.
type RetentionConfig struct {
	// VoteRetentionDays is how long a vote stays effective.
	VoteRetentionDays int `koanf:"vote_retention_days" json:"vote_retention_days"`

	// PruneInterval is how often expired votes are deleted.
	PruneInterval time.Duration `koanf:"prune_interval" json:"prune_interval"`
}

// LoggingConfig mirrors the logging package's settings in a form the
// loader can fill; the writer is chosen by the caller.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level" json:"level"`

	// Format is the output format: json or console.
	Format string `koanf:"format" json:"format"`

	// Caller includes caller file and line in log lines.
	Caller bool `koanf:"caller" json:"caller"`
}

// Default returns the configuration with every section at its defaults.
func Default() *Config {
	return &Config{
		Server:   api.DefaultConfig(),
		Store:    store.DefaultConfig(),
		Executor: executor.DefaultConfig(),
		Bus:      eventbus.DefaultConfig(),
		Detection: DetectionConfig{
			Enabled:     true,
			AdminAction: detection.DefaultAdminActionConfig(),
			Raid:        detection.DefaultRaidConfig(),
			Throttle:    detection.DefaultThrottleConfig(),
			Votes:       detection.DefaultVoteConfig(),
			Election:    detection.ElectionConfig{},
		},
		Retention: RetentionConfig{
			VoteRetentionDays: 30,
			PruneInterval:     time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("server.rate_limit_per_minute must not be negative")
	}
	if c.Executor.BaseURL == "" {
		return fmt.Errorf("executor.base_url is required")
	}
	if c.Executor.Token == "" {
		return fmt.Errorf("executor.token is required")
	}
	if c.Executor.RequestsPerSecond <= 0 {
		return fmt.Errorf("executor.requests_per_second must be positive")
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus.buffer_size must be positive")
	}
	if c.Retention.VoteRetentionDays <= 0 {
		return fmt.Errorf("retention.vote_retention_days must be positive")
	}
	if c.Retention.PruneInterval <= 0 {
		return fmt.Errorf("retention.prune_interval must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q must be json or console", c.Logging.Format)
	}
	return nil
}
