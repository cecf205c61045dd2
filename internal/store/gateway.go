// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-dev/bastion/internal/detection"
)

// RecordVote inserts a vote. The UNIQUE(tenant_id, target_id, voter_id)
// constraint makes the insert atomic: a duplicate is absorbed by ON
// CONFLICT DO NOTHING and reported as inserted=false.
func (s *Store) RecordVote(ctx context.Context, tenant detection.TenantID, target, voter detection.ActorID, reason string) (bool, error) {
	result, err := s.conn.ExecContext(ctx,
		`INSERT INTO votes (id, tenant_id, target_id, voter_id, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		uuid.NewString(), string(tenant), string(target), string(voter), reason, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert vote: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert vote: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListVotes returns votes for target recorded in the last sinceDays.
func (s *Store) ListVotes(ctx context.Context, tenant detection.TenantID, target detection.ActorID, sinceDays int) ([]detection.Vote, error) {
	since := time.Now().UTC().Add(-time.Duration(sinceDays) * 24 * time.Hour)
	rows, err := s.conn.QueryContext(ctx,
		`SELECT tenant_id, target_id, voter_id, reason, created_at
		 FROM votes
		 WHERE tenant_id = ? AND target_id = ? AND created_at >= ?
		 ORDER BY created_at`,
		string(tenant), string(target), since)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []detection.Vote
	for rows.Next() {
		var v detection.Vote
		if err := rows.Scan(&v.Tenant, &v.Target, &v.Voter, &v.Reason, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// CountDistinctTargetsVotedToday counts distinct targets the voter voted
// against since UTC midnight.
func (s *Store) CountDistinctTargetsVotedToday(ctx context.Context, tenant detection.TenantID, voter detection.ActorID) (int, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT target_id)
		 FROM votes
		 WHERE tenant_id = ? AND voter_id = ? AND created_at >= ?`,
		string(tenant), string(voter), dayStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count voted targets: %w", err)
	}
	return count, nil
}

// LastSanctionTimestamp returns when target was last sanctioned, nil if
// never.
func (s *Store) LastSanctionTimestamp(ctx context.Context, tenant detection.TenantID, target detection.ActorID) (*time.Time, error) {
	var ts sql.NullTime
	err := s.conn.QueryRowContext(ctx,
		`SELECT MAX(created_at)
		 FROM moderation_actions
		 WHERE tenant_id = ? AND target_id = ?`,
		string(tenant), string(target)).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("last sanction: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

// ClearVotes deletes all votes for target.
func (s *Store) ClearVotes(ctx context.Context, tenant detection.TenantID, target detection.ActorID) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM votes WHERE tenant_id = ? AND target_id = ?`,
		string(tenant), string(target))
	if err != nil {
		return fmt.Errorf("clear votes: %w", err)
	}
	return nil
}

// PruneExpiredVotes deletes votes older than retentionDays. Run
// periodically by the maintenance service.
func (s *Store) PruneExpiredVotes(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	result, err := s.conn.ExecContext(ctx,
		`DELETE FROM votes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune votes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune votes: rows affected: %w", err)
	}
	return n, nil
}

// CastBallot upserts the voter's single active role-election ballot.
func (s *Store) CastBallot(ctx context.Context, tenant detection.TenantID, voter, target detection.ActorID) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO ballots (tenant_id, voter_id, target_id, cast_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, voter_id) DO UPDATE
		 SET target_id = excluded.target_id, cast_at = excluded.cast_at`,
		string(tenant), string(voter), string(target), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cast ballot: %w", err)
	}
	return nil
}

// TallyBallots groups active ballots by target.
func (s *Store) TallyBallots(ctx context.Context, tenant detection.TenantID) ([]detection.BallotCount, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT target_id, COUNT(*)
		 FROM ballots
		 WHERE tenant_id = ?
		 GROUP BY target_id
		 ORDER BY COUNT(*) DESC, target_id`,
		string(tenant))
	if err != nil {
		return nil, fmt.Errorf("tally ballots: %w", err)
	}
	defer rows.Close()

	var tally []detection.BallotCount
	for rows.Next() {
		var bc detection.BallotCount
		if err := rows.Scan(&bc.Target, &bc.Count); err != nil {
			return nil, fmt.Errorf("scan tally: %w", err)
		}
		tally = append(tally, bc)
	}
	return tally, rows.Err()
}

// CountMessages returns the actor's historical message count.
func (s *Store) CountMessages(ctx context.Context, tenant detection.TenantID, actor detection.ActorID) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(message_count), 0)
		 FROM message_stats
		 WHERE tenant_id = ? AND actor_id = ?`,
		string(tenant), string(actor)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// IncrementMessageCount bumps the actor's message counter. Fed from the
// message event stream.
func (s *Store) IncrementMessageCount(ctx context.Context, tenant detection.TenantID, actor detection.ActorID) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO message_stats (tenant_id, actor_id, message_count, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT (tenant_id, actor_id) DO UPDATE
		 SET message_count = message_stats.message_count + 1, updated_at = excluded.updated_at`,
		string(tenant), string(actor), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment messages: %w", err)
	}
	return nil
}

// RecordModerationAction appends an audit record.
func (s *Store) RecordModerationAction(ctx context.Context, action *detection.ModerationAction) error {
	id := action.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := action.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO moderation_actions
		 (id, tenant_id, target_id, kind, vote_count, total_weight, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(action.Tenant), string(action.Target), action.Kind,
		action.VoteCount, action.TotalWeight, action.Reason, createdAt)
	if err != nil {
		return fmt.Errorf("record moderation action: %w", err)
	}
	return nil
}

// ListModerationActions returns the most recent audit records for a
// tenant, newest first.
func (s *Store) ListModerationActions(ctx context.Context, tenant detection.TenantID, limit int) ([]detection.ModerationAction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, tenant_id, target_id, kind, vote_count, total_weight, reason, created_at
		 FROM moderation_actions
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		string(tenant), limit)
	if err != nil {
		return nil, fmt.Errorf("list moderation actions: %w", err)
	}
	defer rows.Close()

	var actions []detection.ModerationAction
	for rows.Next() {
		var a detection.ModerationAction
		if err := rows.Scan(&a.ID, &a.Tenant, &a.Target, &a.Kind, &a.VoteCount, &a.TotalWeight, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan moderation action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
