// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/bastion-dev/bastion/internal/logging"
)

// ElectionConfig configures the role election engine.
type ElectionConfig struct {
	// LeaderRole is the single exclusive role granted to the winner.
	LeaderRole RoleID `json:"leader_role_id"`
}

// ElectionResult reports the outcome of a ballot.
type ElectionResult struct {
	// Leader is the current unique leader, empty on a tie.
	Leader ActorID `json:"leader,omitempty"`

	// Tied reports whether the top count is shared.
	Tied bool `json:"tied"`

	// Message is caller-facing feedback, including role assignment
	// failures, which are reported rather than raised.
	Message string `json:"message"`
}

// RoleElectionEngine assigns a single exclusive role by plurality vote.
// Each voter has at most one active ballot per tenant; casting again
// replaces the earlier ballot.
type RoleElectionEngine struct {
	gateway  PersistenceGateway
	members  MemberDirectory
	executor PunishmentExecutor

	mu     sync.RWMutex
	config ElectionConfig
}

// NewRoleElectionEngine creates the engine.
func NewRoleElectionEngine(gateway PersistenceGateway, members MemberDirectory, executor PunishmentExecutor, config ElectionConfig) *RoleElectionEngine {
	return &RoleElectionEngine{
		gateway:  gateway,
		members:  members,
		executor: executor,
		config:   config,
	}
}

// CastBallot records (or replaces) the voter's ballot and re-tallies. A
// unique top count makes that target the leader: the exclusive role is
// granted to the leader and revoked from every other holder. A tie
// changes nothing.
func (e *RoleElectionEngine) CastBallot(ctx context.Context, tenant TenantID, voter, target ActorID) (*ElectionResult, error) {
	e.mu.RLock()
	config := e.config
	e.mu.RUnlock()

	if voter == target {
		return nil, Reject("you cannot vote for yourself")
	}

	if err := e.gateway.CastBallot(ctx, tenant, voter, target); err != nil {
		return nil, fmt.Errorf("cast ballot: %w", err)
	}

	tally, err := e.gateway.TallyBallots(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("tally ballots: %w", err)
	}

	leader, tied := pluralityWinner(tally)
	if tied || leader == "" {
		return &ElectionResult{Tied: tied, Message: "no unique leader yet"}, nil
	}

	result := &ElectionResult{Leader: leader, Message: fmt.Sprintf("%s leads the election", leader)}
	if config.LeaderRole == "" {
		return result, nil
	}
	e.reassignRole(ctx, tenant, leader, config.LeaderRole, result)
	return result, nil
}

// pluralityWinner returns the unique top target, or tied=true when the
// top count is shared by two or more targets.
func pluralityWinner(tally []BallotCount) (winner ActorID, tied bool) {
	top := 0
	for _, bc := range tally {
		switch {
		case bc.Count > top:
			top = bc.Count
			winner = bc.Target
			tied = false
		case bc.Count == top && top > 0:
			tied = true
		}
	}
	if tied {
		return "", true
	}
	return winner, false
}

// reassignRole grants the exclusive role to the leader and revokes it
// from every other current holder. Failures (typically role hierarchy
// privilege errors) become feedback strings on the result.
func (e *RoleElectionEngine) reassignRole(ctx context.Context, tenant TenantID, leader ActorID, role RoleID, result *ElectionResult) {
	holders, err := e.members.RoleHolders(ctx, tenant, role)
	if err != nil {
		result.Message = fmt.Sprintf("%s leads, but current role holders could not be determined: %v", leader, err)
		return
	}

	leaderHolds := false
	for _, holder := range holders {
		if holder == leader {
			leaderHolds = true
			continue
		}
		if err := e.executor.RevokeRole(ctx, tenant, holder, role, "replaced as elected leader"); err != nil {
			logging.Warn().Err(err).
				Str("tenant", string(tenant)).
				Str("actor", string(holder)).
				Msg("leader role revoke failed")
			result.Message = fmt.Sprintf("%s leads, but the role could not be revoked from %s", leader, holder)
		}
	}

	if !leaderHolds {
		if err := e.executor.GrantRole(ctx, tenant, leader, role, "elected leader"); err != nil {
			logging.Warn().Err(err).
				Str("tenant", string(tenant)).
				Str("actor", string(leader)).
				Msg("leader role grant failed")
			result.Message = fmt.Sprintf("%s leads, but the role could not be granted: insufficient privilege", leader)
			return
		}
		result.Message = fmt.Sprintf("%s is the new elected leader", leader)
	}
}

// Configure replaces the engine configuration.
func (e *RoleElectionEngine) Configure(config json.RawMessage) error {
	var newConfig ElectionConfig
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = newConfig
	return nil
}

// Config returns the current configuration.
func (e *RoleElectionEngine) Config() ElectionConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}
