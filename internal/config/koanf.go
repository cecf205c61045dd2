// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/bastion/config.yaml",
	"/etc/bastion/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. Struct defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
//
// All sections use json struct tags, so the same field names appear in
// YAML files and in detector configuration updates over the API.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "json"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are the paths that accept comma-separated env values.
var sliceConfigPaths = []string{
	"server.cors_allowed_origins",
}

// processSliceFields converts comma-separated env strings into slices for
// the known slice fields. YAML values arrive as slices already and are
// left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to config paths.
// Unmapped variables are dropped so unrelated environment noise cannot
// reach the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server
		"http_addr":             "server.addr",
		"http_rate_limit":       "server.rate_limit_per_minute",
		"http_shutdown_timeout": "server.shutdown_timeout",
		"cors_origins":          "server.cors_allowed_origins",

		// Store
		"duckdb_path":       "store.path",
		"duckdb_threads":    "store.threads",
		"duckdb_max_memory": "store.max_memory",

		// Platform executor
		"platform_base_url": "executor.base_url",
		"platform_token":    "executor.token",
		"platform_timeout":  "executor.timeout",
		"platform_rps":      "executor.requests_per_second",
		"platform_burst":    "executor.burst",

		// Event bus
		"bus_buffer_size":            "bus.buffer_size",
		"bus_close_timeout":          "bus.close_timeout",
		"bus_retry_max":              "bus.retry_max_retries",
		"bus_retry_initial_interval": "bus.retry_initial_interval",
		"bus_retry_max_interval":     "bus.retry_max_interval",

		// Detection
		"detection_enabled":       "detection.enabled",
		"raid_join_threshold":     "detection.raid.join_threshold",
		"raid_window_seconds":     "detection.raid.window_seconds",
		"throttle_enabled":        "detection.throttle.enabled",
		"election_leader_role_id": "detection.election.leader_role_id",

		// Retention
		"vote_retention_days": "retention.vote_retention_days",
		"prune_interval":      "retention.prune_interval",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
