// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// mockPruner implements VotePruner for testing.
type mockPruner struct {
	calls     atomic.Int32
	retention atomic.Int32
	err       error
}

func (m *mockPruner) PruneExpiredVotes(_ context.Context, retentionDays int) (int64, error) {
	m.calls.Add(1)
	m.retention.Store(int32(retentionDays))
	if m.err != nil {
		return 0, m.err
	}
	return 3, nil
}

func TestPruneService_Defaults(t *testing.T) {
	t.Parallel()

	svc := NewPruneService(&mockPruner{}, 0, 0)
	if svc.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", svc.interval)
	}
	if svc.retentionDays != 30 {
		t.Errorf("retentionDays = %d, want 30", svc.retentionDays)
	}
	if svc.String() != "vote-pruner" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestPruneService_PrunesAtStartupAndOnTick(t *testing.T) {
	t.Parallel()

	pruner := &mockPruner{}
	svc := NewPruneService(pruner, 20*time.Millisecond, 14)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for pruner.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d prune calls before deadline", pruner.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve() = %v, want context.Canceled", err)
	}
	if got := pruner.retention.Load(); got != 14 {
		t.Fatalf("retention days = %d, want 14", got)
	}
}

func TestPruneService_SurvivesPruneErrors(t *testing.T) {
	t.Parallel()

	pruner := &mockPruner{err: errors.New("store closed")}
	svc := NewPruneService(pruner, 10*time.Millisecond, 30)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	// Errors are logged and swallowed; the loop only exits on cancel.
	if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Serve() = %v, want context.DeadlineExceeded", err)
	}
	if pruner.calls.Load() < 2 {
		t.Fatalf("prune loop stopped after %d calls", pruner.calls.Load())
	}
}
