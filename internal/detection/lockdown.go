// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package detection

import (
	"context"
	"fmt"
	"sync"

	"github.com/bastion-dev/bastion/internal/logging"
)

// LockdownManager snapshots and restores per-tenant channel permission
// state. A tenant has at most one active snapshot: Enable is idempotent
// and Disable consumes the snapshot exactly once.
//
// The per-tenant mutex is held across the platform calls, so concurrent
// enables collapse to a single effective snapshot and an enable/disable
// pair cannot interleave.
type LockdownManager struct {
	channels ChannelDirectory
	executor PunishmentExecutor

	mu        sync.Mutex
	locks     map[TenantID]*sync.Mutex
	snapshots map[TenantID][]ChannelState
}

// NewLockdownManager creates a lockdown manager.
func NewLockdownManager(channels ChannelDirectory, executor PunishmentExecutor) *LockdownManager {
	return &LockdownManager{
		channels:  channels,
		executor:  executor,
		locks:     make(map[TenantID]*sync.Mutex),
		snapshots: make(map[TenantID][]ChannelState),
	}
}

func (m *LockdownManager) tenantLock(tenant TenantID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenant]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenant] = l
	}
	return l
}

func (m *LockdownManager) snapshot(tenant TenantID) ([]ChannelState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[tenant]
	return snap, ok
}

func (m *LockdownManager) storeSnapshot(tenant TenantID, snap []ChannelState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[tenant] = snap
}

func (m *LockdownManager) dropSnapshot(tenant TenantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, tenant)
}

// Active reports whether the tenant currently has a lockdown snapshot.
func (m *LockdownManager) Active(tenant TenantID) bool {
	_, ok := m.snapshot(tenant)
	return ok
}

// Enable captures the default-role overwrite of every channel and applies
// a restrictive overwrite. Idempotent: if a snapshot already exists the
// call returns immediately with enabled=false. Per-channel failures are
// logged and skipped.
func (m *LockdownManager) Enable(ctx context.Context, tenant TenantID, reason string) (enabled bool, err error) {
	l := m.tenantLock(tenant)
	l.Lock()
	defer l.Unlock()

	if _, ok := m.snapshot(tenant); ok {
		return false, nil
	}

	states, err := m.channels.ListChannels(ctx, tenant)
	if err != nil {
		return false, fmt.Errorf("list channels: %w", err)
	}

	snap := make([]ChannelState, 0, len(states))
	for _, st := range states {
		snap = append(snap, st)
		if err := m.executor.SetChannelRestriction(ctx, tenant, st.Channel, true, reason); err != nil {
			logging.Warn().Err(err).
				Str("tenant", string(tenant)).
				Str("channel", string(st.Channel)).
				Msg("lockdown restrict failed, skipping channel")
		}
	}
	m.storeSnapshot(tenant, snap)

	logging.Info().
		Str("tenant", string(tenant)).
		Int("channels", len(snap)).
		Str("reason", reason).
		Msg("lockdown enabled")
	return true, nil
}

// Disable restores every snapshotted overwrite and clears the snapshot.
// No-op when no snapshot exists. Channels that no longer exist are
// skipped.
func (m *LockdownManager) Disable(ctx context.Context, tenant TenantID, reason string) error {
	l := m.tenantLock(tenant)
	l.Lock()
	defer l.Unlock()

	snap, ok := m.snapshot(tenant)
	if !ok {
		return nil
	}

	for _, st := range snap {
		if err := m.channels.SetDefaultOverwrite(ctx, tenant, st.Channel, st.Overwrite, reason); err != nil {
			logging.Warn().Err(err).
				Str("tenant", string(tenant)).
				Str("channel", string(st.Channel)).
				Msg("lockdown restore failed, skipping channel")
		}
	}
	m.dropSnapshot(tenant)

	logging.Info().
		Str("tenant", string(tenant)).
		Str("reason", reason).
		Msg("lockdown disabled")
	return nil
}
