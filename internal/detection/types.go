// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// TenantID identifies an isolated community. All detector state is
// partitioned by tenant; nothing leaks across tenants.
type TenantID string

// ActorID identifies a member within a tenant.
type ActorID string

// ChannelID identifies a channel within a tenant.
type ChannelID string

// RoleID identifies a role within a tenant.
type RoleID string

// TrustTier is a closed, ordered trust level. Higher values are more
// trusted, so "at least this trusted" checks are plain comparisons.
type TrustTier int

const (
	TrustDefaultUser TrustTier = iota
	TrustNormalAdmin
	TrustTrustedAdmin
	TrustOwner
)

// AtLeast reports whether t is at least as trusted as other.
func (t TrustTier) AtLeast(other TrustTier) bool {
	return t >= other
}

// String returns the wire name of the tier.
func (t TrustTier) String() string {
	switch t {
	case TrustOwner:
		return "owner"
	case TrustTrustedAdmin:
		return "trusted_admin"
	case TrustNormalAdmin:
		return "normal_admin"
	default:
		return "default_user"
	}
}

// ParseTrustTier maps a wire name to a TrustTier. Unknown names resolve to
// TrustDefaultUser, the least trusted tier.
func ParseTrustTier(s string) TrustTier {
	switch s {
	case "owner":
		return TrustOwner
	case "trusted_admin":
		return TrustTrustedAdmin
	case "normal_admin":
		return TrustNormalAdmin
	default:
		return TrustDefaultUser
	}
}

// EventKind identifies the type of an inbound platform event.
type EventKind string

const (
	EventChannelDelete    EventKind = "channel_delete"
	EventRoleDelete       EventKind = "role_delete"
	EventBan              EventKind = "ban"
	EventWebhookCreate    EventKind = "webhook_create"
	EventPermissionChange EventKind = "permission_overwrite_change"
	EventMemberJoin       EventKind = "member_join"
	EventMessageSent      EventKind = "message_sent"
)

// EventRecord is a single inbound platform event.
type EventRecord struct {
	EventID string    `json:"event_id"`
	Tenant  TenantID  `json:"tenant_id"`
	Kind    EventKind `json:"kind"`

	// Actor is the subject of the event: the executor for administrative
	// actions, the joining member for joins, the author for messages.
	// Empty when the platform could not attribute the event.
	Actor ActorID `json:"actor_id,omitempty"`

	// Channel is set for message events.
	Channel ChannelID `json:"channel_id,omitempty"`

	// AccountCreatedAt is set for join events and feeds the account-age
	// heuristic.
	AccountCreatedAt time.Time `json:"account_created_at,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// DetectorKind identifies a detector.
type DetectorKind string

const (
	DetectorAdminAction DetectorKind = "admin_action"
	DetectorRaid        DetectorKind = "raid"
	DetectorThrottle    DetectorKind = "throttle"
)

// Severity indicates how serious a trigger is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Trigger records that a detector crossed its threshold and what it did
// about it.
type Trigger struct {
	ID        string       `json:"id"`
	Detector  DetectorKind `json:"detector"`
	Tenant    TenantID     `json:"tenant_id"`
	Actor     ActorID      `json:"actor_id,omitempty"`
	Severity  Severity     `json:"severity"`
	Action    string       `json:"action"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

// Detector is implemented by every event-stream detection rule.
type Detector interface {
	// Kind returns the detector identity.
	Kind() DetectorKind

	// Handle evaluates one event. It returns a Trigger when the detector
	// fired, nil otherwise. Handle never lets a downstream platform
	// failure escape: those are logged and swallowed.
	Handle(ctx context.Context, ev *EventRecord) (*Trigger, error)

	// Configure replaces the detector configuration from JSON. Invalid
	// values are rejected; the previous configuration stays in effect.
	Configure(config json.RawMessage) error

	// Enabled reports whether the detector is processing events.
	Enabled() bool

	// SetEnabled enables or disables the detector.
	SetEnabled(enabled bool)
}

// TrustRegistry resolves an actor's trust tier for a tenant. Tiers are
// looked up per call and never cached beyond a single evaluation.
type TrustRegistry interface {
	Resolve(ctx context.Context, tenant TenantID, actor ActorID) (TrustTier, error)
}

// Vote is one peer vote against a target. (tenant, target, voter) is
// unique: the durable store rejects a second vote from the same voter for
// the same target.
type Vote struct {
	Tenant    TenantID  `json:"tenant_id"`
	Target    ActorID   `json:"target_id"`
	Voter     ActorID   `json:"voter_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BallotCount is one entry of a role-election tally.
type BallotCount struct {
	Target ActorID `json:"target_id"`
	Count  int     `json:"count"`
}

// ModerationAction is an audit record of a sanction applied by Bastion.
type ModerationAction struct {
	ID          string    `json:"id"`
	Tenant      TenantID  `json:"tenant_id"`
	Target      ActorID   `json:"target_id"`
	Kind        string    `json:"kind"`
	VoteCount   int       `json:"vote_count,omitempty"`
	TotalWeight float64   `json:"total_weight,omitempty"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// PersistenceGateway is the durable store consumed by the vote and
// election engines. Vote uniqueness is enforced here, by the store's
// unique index, not by application locking: RecordVote must be an atomic
// insert-or-reject.
type PersistenceGateway interface {
	// RecordVote inserts a vote. It returns false, not an error, when the
	// (tenant, target, voter) uniqueness constraint rejects the insert.
	RecordVote(ctx context.Context, tenant TenantID, target, voter ActorID, reason string) (bool, error)

	// ListVotes returns votes for target recorded in the last sinceDays.
	ListVotes(ctx context.Context, tenant TenantID, target ActorID, sinceDays int) ([]Vote, error)

	// CountDistinctTargetsVotedToday returns how many distinct targets the
	// voter has voted against during the current calendar day.
	CountDistinctTargetsVotedToday(ctx context.Context, tenant TenantID, voter ActorID) (int, error)

	// LastSanctionTimestamp returns when target was last sanctioned, or
	// nil if never.
	LastSanctionTimestamp(ctx context.Context, tenant TenantID, target ActorID) (*time.Time, error)

	// ClearVotes deletes all votes for target.
	ClearVotes(ctx context.Context, tenant TenantID, target ActorID) error

	// CastBallot upserts the voter's single active role-election ballot.
	CastBallot(ctx context.Context, tenant TenantID, voter, target ActorID) error

	// TallyBallots groups active ballots by target.
	TallyBallots(ctx context.Context, tenant TenantID) ([]BallotCount, error)

	// CountMessages returns the actor's historical message count in the
	// tenant.
	CountMessages(ctx context.Context, tenant TenantID, actor ActorID) (int, error)

	// RecordModerationAction appends an audit record.
	RecordModerationAction(ctx context.Context, action *ModerationAction) error
}

// MemberDirectory answers member questions the detectors need that are not
// part of the event payload.
type MemberDirectory interface {
	// AccountCreatedAt returns the platform account creation time.
	AccountCreatedAt(ctx context.Context, tenant TenantID, actor ActorID) (time.Time, error)

	// HasModeratorPermissions reports whether the actor holds
	// moderator-equivalent permissions in the tenant.
	HasModeratorPermissions(ctx context.Context, tenant TenantID, actor ActorID) (bool, error)

	// RoleHolders lists current holders of a role.
	RoleHolders(ctx context.Context, tenant TenantID, role RoleID) ([]ActorID, error)
}

// OverwriteValue is one tri-state permission overwrite entry.
type OverwriteValue int8

const (
	OverwriteInherit OverwriteValue = iota
	OverwriteAllow
	OverwriteDeny
)

// PermissionOverwrite is the default-role overwrite of a channel, as far
// as lockdown cares about it.
type PermissionOverwrite struct {
	Send    OverwriteValue `json:"send"`
	Connect OverwriteValue `json:"connect"`
}

// ChannelState pairs a channel with its current default-role overwrite.
type ChannelState struct {
	Channel   ChannelID           `json:"channel_id"`
	Overwrite PermissionOverwrite `json:"overwrite"`
}

// ChannelDirectory exposes tenant channel topology for lockdown.
type ChannelDirectory interface {
	// ListChannels returns every channel with its current default-role
	// overwrite.
	ListChannels(ctx context.Context, tenant TenantID) ([]ChannelState, error)

	// SetDefaultOverwrite replaces the default-role overwrite of a
	// channel. Used to restore snapshotted state on lockdown disable.
	SetDefaultOverwrite(ctx context.Context, tenant TenantID, channel ChannelID, overwrite PermissionOverwrite, reason string) error
}

// PunishmentExecutor performs platform-side punitive and protective
// actions. Every operation may fail; failures surface as a tagged error,
// never as a crash.
type PunishmentExecutor interface {
	Ban(ctx context.Context, tenant TenantID, actor ActorID, reason string) error
	Timeout(ctx context.Context, tenant TenantID, actor ActorID, duration time.Duration, reason string) error
	Kick(ctx context.Context, tenant TenantID, actor ActorID, reason string) error
	RemoveAllRoles(ctx context.Context, tenant TenantID, actor ActorID, reason string) error
	SetChannelRestriction(ctx context.Context, tenant TenantID, channel ChannelID, restricted bool, reason string) error
	SetChannelCooldown(ctx context.Context, tenant TenantID, channel ChannelID, seconds int, reason string) error
	GrantRole(ctx context.Context, tenant TenantID, actor ActorID, role RoleID, reason string) error
	RevokeRole(ctx context.Context, tenant TenantID, actor ActorID, role RoleID, reason string) error
}

// RejectionError is a precondition failure surfaced to the caller with a
// human-readable reason (bad eligibility, quota, duplicate, cooldown). It
// is a normal outcome, not an internal failure.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

// Reject builds a RejectionError.
func Reject(format string, args ...any) *RejectionError {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a RejectionError.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
