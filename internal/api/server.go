// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

// Package api provides the HTTP surface: event ingestion, vote and
// ballot submission, lockdown control, detector management, and
// operational endpoints. Routing uses Chi.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bastion-dev/bastion/internal/detection"
	"github.com/bastion-dev/bastion/internal/eventbus"
	"github.com/bastion-dev/bastion/internal/logging"
)

// Config controls the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `koanf:"addr" json:"addr"`

	// CORSAllowedOrigins is the allowed origin list. Empty disables CORS.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins" json:"cors_allowed_origins"`

	// RateLimitPerMinute caps requests per client IP. Zero disables.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute" json:"rate_limit_per_minute"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		RateLimitPerMinute: 300,
		ShutdownTimeout:    15 * time.Second,
	}
}

// EventPublisher puts inbound events on the bus. Satisfied by
// *eventbus.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, ev *detection.EventRecord) error
	Stats() eventbus.Stats
}

// VoteCaster records peer votes. Satisfied by
// *detection.VoteEscalationEngine.
type VoteCaster interface {
	CastVote(ctx context.Context, tenant detection.TenantID, target, voter detection.ActorID, reason string) (*detection.VoteOutcome, error)
}

// BallotCaster records election ballots. Satisfied by
// *detection.RoleElectionEngine.
type BallotCaster interface {
	CastBallot(ctx context.Context, tenant detection.TenantID, voter, target detection.ActorID) (*detection.ElectionResult, error)
}

// LockdownController serves the manual lockdown command. Satisfied by
// *detection.RaidDetector.
type LockdownController interface {
	SetLockdown(ctx context.Context, tenant detection.TenantID, actor detection.ActorID, enable bool) error
}

// AuditStore reads the moderation audit log and answers readiness.
// Satisfied by *store.Store.
type AuditStore interface {
	ListModerationActions(ctx context.Context, tenant detection.TenantID, limit int) ([]detection.ModerationAction, error)
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	cfg       Config
	engine    *detection.Engine
	publisher EventPublisher
	votes     VoteCaster
	elections BallotCaster
	lockdown  LockdownController
	audit     AuditStore
}

// NewServer wires the HTTP server.
func NewServer(cfg Config, engine *detection.Engine, publisher EventPublisher, votes VoteCaster, elections BallotCaster, lockdown LockdownController, audit AuditStore) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		publisher: publisher,
		votes:     votes,
		elections: elections,
		lockdown:  lockdown,
		audit:     audit,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMinute, time.Minute))
		}
		r.Use(metricsMiddleware)

		r.Post("/events", s.handleIngestEvent)
		r.Get("/stats", s.handleStats)

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Post("/votes", s.handleCastVote)
			r.Post("/ballots", s.handleCastBallot)
			r.Put("/lockdown", s.handleLockdown)
			r.Get("/actions", s.handleListActions)
		})

		r.Route("/detectors", func(r chi.Router) {
			r.Get("/", s.handleListDetectors)
			r.Put("/{kind}/config", s.handleConfigureDetector)
			r.Put("/{kind}/enabled", s.handleToggleDetector)
		})
	})

	return r
}

// RunWithContext serves until the context is canceled, then shuts down
// gracefully.
func (s *Server) RunWithContext(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
