// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package detection

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mockTrustRegistry resolves tiers from a static map; unknown actors are
// DefaultUser.
type mockTrustRegistry struct {
	tiers map[ActorID]TrustTier
	err   error
}

func (m *mockTrustRegistry) Resolve(_ context.Context, _ TenantID, actor ActorID) (TrustTier, error) {
	if m.err != nil {
		return TrustDefaultUser, m.err
	}
	if tier, ok := m.tiers[actor]; ok {
		return tier, nil
	}
	return TrustDefaultUser, nil
}

// execCall records one punishment executor invocation.
type execCall struct {
	op       string
	tenant   TenantID
	actor    ActorID
	channel  ChannelID
	role     RoleID
	duration time.Duration
	seconds  int
	flag     bool
}

// mockExecutor records calls and fails ops listed in failOps.
type mockExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	failOps map[string]error
}

func (m *mockExecutor) record(c execCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.failOps != nil {
		if err, ok := m.failOps[c.op]; ok {
			return err
		}
	}
	return nil
}

func (m *mockExecutor) callsFor(op string) []execCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []execCall
	for _, c := range m.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockExecutor) Ban(_ context.Context, tenant TenantID, actor ActorID, _ string) error {
	return m.record(execCall{op: "ban", tenant: tenant, actor: actor})
}

func (m *mockExecutor) Timeout(_ context.Context, tenant TenantID, actor ActorID, d time.Duration, _ string) error {
	return m.record(execCall{op: "timeout", tenant: tenant, actor: actor, duration: d})
}

func (m *mockExecutor) Kick(_ context.Context, tenant TenantID, actor ActorID, _ string) error {
	return m.record(execCall{op: "kick", tenant: tenant, actor: actor})
}

func (m *mockExecutor) RemoveAllRoles(_ context.Context, tenant TenantID, actor ActorID, _ string) error {
	return m.record(execCall{op: "remove_all_roles", tenant: tenant, actor: actor})
}

func (m *mockExecutor) SetChannelRestriction(_ context.Context, tenant TenantID, channel ChannelID, restricted bool, _ string) error {
	return m.record(execCall{op: "set_channel_restriction", tenant: tenant, channel: channel, flag: restricted})
}

func (m *mockExecutor) SetChannelCooldown(_ context.Context, tenant TenantID, channel ChannelID, seconds int, _ string) error {
	return m.record(execCall{op: "set_channel_cooldown", tenant: tenant, channel: channel, seconds: seconds})
}

func (m *mockExecutor) GrantRole(_ context.Context, tenant TenantID, actor ActorID, role RoleID, _ string) error {
	return m.record(execCall{op: "grant_role", tenant: tenant, actor: actor, role: role})
}

func (m *mockExecutor) RevokeRole(_ context.Context, tenant TenantID, actor ActorID, role RoleID, _ string) error {
	return m.record(execCall{op: "revoke_role", tenant: tenant, actor: actor, role: role})
}

// mockChannels serves a fixed channel list and records overwrite writes.
type mockChannels struct {
	mu       sync.Mutex
	channels []ChannelState
	restored map[ChannelID]PermissionOverwrite
	listErr  error
	setErr   map[ChannelID]error
}

func (m *mockChannels) ListChannels(_ context.Context, _ TenantID) ([]ChannelState, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.channels, nil
}

func (m *mockChannels) SetDefaultOverwrite(_ context.Context, _ TenantID, channel ChannelID, ow PermissionOverwrite, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		if err, ok := m.setErr[channel]; ok {
			return err
		}
	}
	if m.restored == nil {
		m.restored = make(map[ChannelID]PermissionOverwrite)
	}
	m.restored[channel] = ow
	return nil
}

// voteKey identifies a stored vote.
type voteKey struct {
	tenant TenantID
	target ActorID
	voter  ActorID
}

// mockGateway is an in-memory PersistenceGateway with a unique-key vote
// map mirroring the durable store's unique index.
type mockGateway struct {
	mu            sync.Mutex
	votes         map[voteKey]Vote
	ballots       map[TenantID]map[ActorID]ActorID // tenant -> voter -> target
	messages      map[ActorID]int
	lastSanction  map[ActorID]time.Time
	targetsToday  map[ActorID]int
	actions       []ModerationAction
	recordVoteErr error
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		votes:        make(map[voteKey]Vote),
		ballots:      make(map[TenantID]map[ActorID]ActorID),
		messages:     make(map[ActorID]int),
		lastSanction: make(map[ActorID]time.Time),
		targetsToday: make(map[ActorID]int),
	}
}

func (m *mockGateway) RecordVote(_ context.Context, tenant TenantID, target, voter ActorID, reason string) (bool, error) {
	if m.recordVoteErr != nil {
		return false, m.recordVoteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey{tenant, target, voter}
	if _, exists := m.votes[key]; exists {
		return false, nil
	}
	m.votes[key] = Vote{Tenant: tenant, Target: target, Voter: voter, Reason: reason, CreatedAt: time.Now()}
	return true, nil
}

func (m *mockGateway) ListVotes(_ context.Context, tenant TenantID, target ActorID, _ int) ([]Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Vote
	for key, v := range m.votes {
		if key.tenant == tenant && key.target == target {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *mockGateway) CountDistinctTargetsVotedToday(_ context.Context, _ TenantID, voter ActorID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetsToday[voter], nil
}

func (m *mockGateway) LastSanctionTimestamp(_ context.Context, _ TenantID, target ActorID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.lastSanction[target]; ok {
		return &ts, nil
	}
	return nil, nil
}

func (m *mockGateway) ClearVotes(_ context.Context, tenant TenantID, target ActorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.votes {
		if key.tenant == tenant && key.target == target {
			delete(m.votes, key)
		}
	}
	return nil
}

func (m *mockGateway) CastBallot(_ context.Context, tenant TenantID, voter, target ActorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ballots[tenant] == nil {
		m.ballots[tenant] = make(map[ActorID]ActorID)
	}
	m.ballots[tenant][voter] = target
	return nil
}

func (m *mockGateway) TallyBallots(_ context.Context, tenant TenantID) ([]BallotCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[ActorID]int)
	for _, target := range m.ballots[tenant] {
		counts[target]++
	}
	var out []BallotCount
	for target, count := range counts {
		out = append(out, BallotCount{Target: target, Count: count})
	}
	return out, nil
}

func (m *mockGateway) CountMessages(_ context.Context, _ TenantID, actor ActorID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[actor], nil
}

func (m *mockGateway) RecordModerationAction(_ context.Context, action *ModerationAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, *action)
	return nil
}

// mockMembers answers member lookups from static maps.
type mockMembers struct {
	createdAt  map[ActorID]time.Time
	moderators map[ActorID]bool
	holders    map[RoleID][]ActorID
}

func (m *mockMembers) AccountCreatedAt(_ context.Context, _ TenantID, actor ActorID) (time.Time, error) {
	if ts, ok := m.createdAt[actor]; ok {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unknown actor %s", actor)
}

func (m *mockMembers) HasModeratorPermissions(_ context.Context, _ TenantID, actor ActorID) (bool, error) {
	return m.moderators[actor], nil
}

func (m *mockMembers) RoleHolders(_ context.Context, _ TenantID, role RoleID) ([]ActorID, error) {
	return m.holders[role], nil
}

// daysAgo returns a timestamp n days in the past.
func daysAgo(n int) time.Time {
	return time.Now().Add(-time.Duration(n) * 24 * time.Hour)
}
