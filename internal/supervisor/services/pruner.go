// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package services

import (
	"context"
	"time"

	"github.com/bastion-dev/bastion/internal/logging"
)

// VotePruner deletes votes older than the retention window.
//
// Satisfied by *store.Store.
type VotePruner interface {
	PruneExpiredVotes(ctx context.Context, retentionDays int) (int64, error)
}

// PruneService periodically trims expired votes from the store. Expired
// votes are already invisible to weight calculations, so pruning is pure
// housekeeping and a failed run is only logged.
type PruneService struct {
	pruner        VotePruner
	interval      time.Duration
	retentionDays int
	name          string
}

// NewPruneService creates a prune loop. A non-positive interval falls
// back to hourly, a non-positive retention to 30 days.
func NewPruneService(pruner VotePruner, interval time.Duration, retentionDays int) *PruneService {
	if interval <= 0 {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &PruneService{
		pruner:        pruner,
		interval:      interval,
		retentionDays: retentionDays,
		name:          "vote-pruner",
	}
}

// Serve implements suture.Service. It prunes once at startup and then on
// every interval tick until the context is canceled.
func (s *PruneService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pruneOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pruneOnce(ctx)
		}
	}
}

func (s *PruneService) pruneOnce(ctx context.Context) {
	pruned, err := s.pruner.PruneExpiredVotes(ctx, s.retentionDays)
	if err != nil {
		logging.Error().Err(err).Msg("vote pruning failed")
		return
	}
	if pruned > 0 {
		logging.Info().Int64("pruned", pruned).Msg("expired votes removed")
	}
}

// String implements fmt.Stringer for supervisor log messages.
func (s *PruneService) String() string {
	return s.name
}
