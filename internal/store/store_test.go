// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-dev/bastion/internal/detection"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: "", MaxMemory: "256MB"})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordVote_Uniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.RecordVote(ctx, "t1", "target", "voter", "spam")
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first vote should insert")
	}

	inserted, err = s.RecordVote(ctx, "t1", "target", "voter", "spam again")
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second vote by the same voter must be absorbed")
	}

	// Same voter, different target or tenant, is a fresh vote.
	if inserted, _ := s.RecordVote(ctx, "t1", "other", "voter", "x"); !inserted {
		t.Error("vote against another target should insert")
	}
	if inserted, _ := s.RecordVote(ctx, "t2", "target", "voter", "x"); !inserted {
		t.Error("vote in another tenant should insert")
	}
}

func TestListVotes_RetentionWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordVote(ctx, "t1", "target", "fresh", "x"); err != nil {
		t.Fatal(err)
	}
	// An expired vote, inserted directly with an old timestamp.
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO votes (id, tenant_id, target_id, voter_id, reason, created_at)
		 VALUES (?, 't1', 'target', 'stale', 'x', ?)`,
		uuid.NewString(), time.Now().UTC().Add(-10*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	votes, err := s.ListVotes(ctx, "t1", "target", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 || votes[0].Voter != "fresh" {
		t.Errorf("votes = %+v, want only the fresh vote", votes)
	}
}

func TestPruneExpiredVotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.RecordVote(ctx, "t1", "target", "fresh", "x")
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO votes (id, tenant_id, target_id, voter_id, reason, created_at)
		 VALUES (?, 't1', 'target', 'stale', 'x', ?)`,
		uuid.NewString(), time.Now().UTC().Add(-10*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PruneExpiredVotes(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d votes, want 1", pruned)
	}
}

func TestCountDistinctTargetsVotedToday(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.RecordVote(ctx, "t1", "a", "voter", "x")
	s.RecordVote(ctx, "t1", "b", "voter", "x")
	s.RecordVote(ctx, "t1", "b", "voter", "x") // duplicate, absorbed
	s.RecordVote(ctx, "t1", "c", "other", "x")

	count, err := s.CountDistinctTargetsVotedToday(ctx, "t1", "voter")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestClearVotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.RecordVote(ctx, "t1", "target", "v1", "x")
	s.RecordVote(ctx, "t1", "target", "v2", "x")
	s.RecordVote(ctx, "t1", "bystander", "v1", "x")

	if err := s.ClearVotes(ctx, "t1", "target"); err != nil {
		t.Fatal(err)
	}

	votes, _ := s.ListVotes(ctx, "t1", "target", 7)
	if len(votes) != 0 {
		t.Errorf("%d votes remain after clear", len(votes))
	}
	votes, _ = s.ListVotes(ctx, "t1", "bystander", 7)
	if len(votes) != 1 {
		t.Error("clear must not touch other targets")
	}
}

func TestBallots_UpsertAndTally(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, cast := range []struct{ voter, target detection.ActorID }{
		{"v1", "alice"},
		{"v2", "alice"},
		{"v3", "bob"},
		{"v3", "alice"}, // revote replaces the earlier ballot
	} {
		if err := s.CastBallot(ctx, "t1", cast.voter, cast.target); err != nil {
			t.Fatal(err)
		}
	}

	tally, err := s.TallyBallots(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tally) != 1 {
		t.Fatalf("tally = %+v, want alice only after the revote", tally)
	}
	if tally[0].Target != "alice" || tally[0].Count != 3 {
		t.Errorf("tally[0] = %+v, want alice with 3", tally[0])
	}
}

func TestMessageStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.CountMessages(ctx, "t1", "member")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count = %d for unknown member, want 0", count)
	}

	for i := 0; i < 5; i++ {
		if err := s.IncrementMessageCount(ctx, "t1", "member"); err != nil {
			t.Fatal(err)
		}
	}
	count, _ = s.CountMessages(ctx, "t1", "member")
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}

	// Counters are per tenant.
	count, _ = s.CountMessages(ctx, "t2", "member")
	if count != 0 {
		t.Errorf("count leaked across tenants: %d", count)
	}
}

func TestModerationActions_AuditAndCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts, err := s.LastSanctionTimestamp(ctx, "t1", "target")
	if err != nil {
		t.Fatal(err)
	}
	if ts != nil {
		t.Errorf("unsanctioned target has timestamp %v", ts)
	}

	action := &detection.ModerationAction{
		Tenant:      "t1",
		Target:      "target",
		Kind:        detection.SanctionMute,
		VoteCount:   3,
		TotalWeight: 3.4,
		Reason:      "community vote",
	}
	if err := s.RecordModerationAction(ctx, action); err != nil {
		t.Fatal(err)
	}

	ts, err = s.LastSanctionTimestamp(ctx, "t1", "target")
	if err != nil {
		t.Fatal(err)
	}
	if ts == nil || time.Since(*ts) > time.Minute {
		t.Errorf("timestamp = %v, want recent", ts)
	}

	actions, err := s.ListModerationActions(ctx, "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Kind != detection.SanctionMute {
		t.Errorf("actions = %+v", actions)
	}
}
