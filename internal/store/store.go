// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

/*
store.go - DuckDB Connection and Schema Management

This file opens the embedded DuckDB database, configures the connection
pool, and creates the schema.

Tables:
  - votes: peer sanction votes; UNIQUE(tenant_id, target_id, voter_id)
    anchors the one-vote-per-voter rule in the store rather than in
    application locking
  - ballots: role-election ballots; UNIQUE(tenant_id, voter_id) gives
    each voter a single replaceable ballot
  - moderation_actions: audit log of applied sanctions, also the source
    for the post-sanction vote cooldown
  - message_stats: per-member historical message counters feeding vote
    eligibility and weighting
*/

//nolint:staticcheck // File documentation, not package doc
package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/bastion-dev/bastion/internal/logging"
)

// Config controls the DuckDB connection.
type Config struct {
	// Path is the database file. Empty means in-memory.
	Path string `koanf:"path" json:"path"`

	// Threads is the DuckDB worker thread count. Zero means NumCPU.
	Threads int `koanf:"threads" json:"threads"`

	// MaxMemory is the DuckDB memory limit, e.g. "512MB".
	MaxMemory string `koanf:"max_memory" json:"max_memory"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Path:      "data/bastion.db",
		Threads:   0,
		MaxMemory: "512MB",
	}
}

// Store is the durable persistence layer. It implements
// detection.PersistenceGateway.
type Store struct {
	conn *sql.DB
}

// Open opens the database, configures the pool, and creates the schema.
func Open(cfg Config) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	connStr := cfg.Path
	if connStr != "" {
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, threads, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.createSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Info().
		Str("path", cfg.Path).
		Int("threads", threads).
		Msg("store opened")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *Store) createSchema() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS votes (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			voter_id TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			UNIQUE (tenant_id, target_id, voter_id)
		)`,

		`CREATE TABLE IF NOT EXISTS ballots (
			tenant_id TEXT NOT NULL,
			voter_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			cast_at TIMESTAMP NOT NULL,
			UNIQUE (tenant_id, voter_id)
		)`,

		`CREATE TABLE IF NOT EXISTS moderation_actions (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			vote_count INTEGER NOT NULL DEFAULT 0,
			total_weight DOUBLE NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS message_stats (
			tenant_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			message_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (tenant_id, actor_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_votes_target
			ON votes (tenant_id, target_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_votes_voter
			ON votes (tenant_id, voter_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_target
			ON moderation_actions (tenant_id, target_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := s.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("schema: %s: %w", query, err)
		}
	}
	return nil
}
