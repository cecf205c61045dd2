// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

// Package services wraps Bastion's long-running components as suture
// services so the supervisor tree can restart them independently.
package services

import (
	"context"
)

// Runner matches the RunWithContext lifecycle shared by the detection
// engine, the event bus, and the HTTP server. The wrapper keeps this
// package free of imports of those components.
type Runner interface {
	// RunWithContext blocks until the context is canceled and returns
	// ctx.Err() on normal shutdown.
	RunWithContext(ctx context.Context) error
}

// RunnerService adapts a Runner into a supervised service.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps a runner under the given service name. The name
// shows up in supervisor logs, so keep it short and stable.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.RunWithContext(ctx)
}

// String implements fmt.Stringer for supervisor log messages.
func (s *RunnerService) String() string {
	return s.name
}
