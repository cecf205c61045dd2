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

	"github.com/thejerf/suture/v4"
)

// mockRunner implements Runner for testing.
type mockRunner struct {
	runErr   error
	blocks   bool
	runCount atomic.Int32
	started  chan struct{}
}

func newMockRunner() *mockRunner {
	return &mockRunner{started: make(chan struct{}, 1)}
}

func (m *mockRunner) RunWithContext(ctx context.Context) error {
	m.runCount.Add(1)
	select {
	case m.started <- struct{}{}:
	default:
	}
	if m.runErr != nil {
		return m.runErr
	}
	if m.blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestRunnerService_Interface(t *testing.T) {
	t.Parallel()

	var _ suture.Service = (*RunnerService)(nil)
	var _ suture.Service = (*PruneService)(nil)
}

func TestRunnerService_DelegatesToRunner(t *testing.T) {
	t.Parallel()

	runner := newMockRunner()
	runner.runErr = errors.New("listener died")
	svc := NewRunnerService("http-server", runner)

	if got := svc.String(); got != "http-server" {
		t.Errorf("String() = %q", got)
	}

	err := svc.Serve(context.Background())
	if !errors.Is(err, runner.runErr) {
		t.Fatalf("Serve() = %v, want the runner's error", err)
	}
	if runner.runCount.Load() != 1 {
		t.Fatalf("run count = %d, want 1", runner.runCount.Load())
	}
}

func TestRunnerService_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	runner := newMockRunner()
	runner.blocks = true
	svc := NewRunnerService("detection-engine", runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
