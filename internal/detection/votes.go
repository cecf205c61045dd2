// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package detection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/bastion-dev/bastion/internal/logging"
	"github.com/bastion-dev/bastion/internal/metrics"
)

// Sanction kinds recorded in the moderation audit log.
const (
	SanctionBan  = "vote_ban"
	SanctionMute = "vote_mute"
)

// maxVoteWeight caps a single voter's weight.
const maxVoteWeight = 2.0

// SanctionTier maps a combined vote weight to an escalation outcome.
// Tiers are evaluated highest threshold first; the first match wins.
type SanctionTier struct {
	MinWeight       float64 `json:"min_weight"`
	Action          string  `json:"action"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`
}

// DefaultSanctionTiers returns the documented escalation ladder.
func DefaultSanctionTiers() []SanctionTier {
	return []SanctionTier{
		{MinWeight: 20, Action: SanctionBan},
		{MinWeight: 5, Action: SanctionMute, DurationMinutes: 120},
		{MinWeight: 2, Action: SanctionMute, DurationMinutes: 10},
	}
}

// VoteConfig configures the vote escalation engine.
type VoteConfig struct {
	// MinAccountAgeDays is the minimum voter account age.
	MinAccountAgeDays int `json:"min_account_age_days"`

	// MinMessageCount is the minimum voter in-tenant message count.
	MinMessageCount int `json:"min_message_count"`

	// DailyTargetQuota caps distinct targets voted per calendar day.
	DailyTargetQuota int `json:"daily_target_quota"`

	// SanctionCooldownHours blocks votes against a recently sanctioned
	// target.
	SanctionCooldownHours int `json:"sanction_cooldown_hours"`

	// RetentionDays is how long recorded votes count toward escalation.
	RetentionDays int `json:"retention_days"`

	// Tiers is the escalation ladder, highest threshold first.
	Tiers []SanctionTier `json:"tiers"`
}

// DefaultVoteConfig returns the documented defaults.
func DefaultVoteConfig() VoteConfig {
	return VoteConfig{
		MinAccountAgeDays:     14,
		MinMessageCount:       100,
		DailyTargetQuota:      3,
		SanctionCooldownHours: 24,
		RetentionDays:         7,
		Tiers:                 DefaultSanctionTiers(),
	}
}

// sanitize drops malformed tiers and sorts the ladder descending. An
// empty ladder falls back to the defaults.
func (c *VoteConfig) sanitize() {
	kept := make([]SanctionTier, 0, len(c.Tiers))
	for _, tier := range c.Tiers {
		if tier.MinWeight <= 0 {
			continue
		}
		if tier.Action != SanctionBan && tier.Action != SanctionMute {
			continue
		}
		kept = append(kept, tier)
	}
	if len(kept) == 0 {
		kept = DefaultSanctionTiers()
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].MinWeight > kept[j].MinWeight
	})
	c.Tiers = kept
}

// VoteOutcome reports what a recorded vote amounted to.
type VoteOutcome struct {
	// TotalWeight is the combined weight of current votes for the target.
	TotalWeight float64 `json:"total_weight"`

	// VoteCount is the number of current votes for the target.
	VoteCount int `json:"vote_count"`

	// Action is the sanction applied: "vote_ban", "vote_mute", or empty
	// when the vote was recorded without crossing a tier.
	Action string `json:"action,omitempty"`

	// Applied reports whether the platform call for Action succeeded.
	Applied bool `json:"applied"`

	// Message is caller-facing feedback.
	Message string `json:"message"`
}

// VoteEscalationEngine accumulates weighted peer votes against a subject
// and escalates through sanction tiers. Vote uniqueness is anchored in
// the durable store; everything else here is stateless per call.
type VoteEscalationEngine struct {
	gateway  PersistenceGateway
	members  MemberDirectory
	executor PunishmentExecutor

	mu     sync.RWMutex
	config VoteConfig
}

// NewVoteEscalationEngine creates the engine with default configuration.
func NewVoteEscalationEngine(gateway PersistenceGateway, members MemberDirectory, executor PunishmentExecutor) *VoteEscalationEngine {
	return &VoteEscalationEngine{
		gateway:  gateway,
		members:  members,
		executor: executor,
		config:   DefaultVoteConfig(),
	}
}

// CastVote validates the voter, records the vote, and escalates if the
// combined weight crosses a tier. Ineligibility comes back as a
// *RejectionError with a caller-facing reason; infrastructure failures
// come back as ordinary errors.
func (e *VoteEscalationEngine) CastVote(ctx context.Context, tenant TenantID, target, voter ActorID, reason string) (*VoteOutcome, error) {
	e.mu.RLock()
	config := e.config
	e.mu.RUnlock()

	if voter == target {
		metrics.VotesRejected.WithLabelValues("self_vote").Inc()
		return nil, Reject("you cannot vote against yourself")
	}

	if err := e.checkEligibility(ctx, tenant, voter, config); err != nil {
		if IsRejection(err) {
			metrics.VotesRejected.WithLabelValues("eligibility").Inc()
		}
		return nil, err
	}

	isModerator, err := e.members.HasModeratorPermissions(ctx, tenant, target)
	if err != nil {
		return nil, fmt.Errorf("moderator check for %s: %w", target, err)
	}
	if isModerator {
		metrics.VotesRejected.WithLabelValues("moderator_target").Inc()
		return nil, Reject("votes against moderators are not accepted")
	}

	lastSanction, err := e.gateway.LastSanctionTimestamp(ctx, tenant, target)
	if err != nil {
		return nil, fmt.Errorf("last sanction lookup: %w", err)
	}
	cooldown := time.Duration(config.SanctionCooldownHours) * time.Hour
	if lastSanction != nil && time.Since(*lastSanction) < cooldown {
		metrics.VotesRejected.WithLabelValues("recent_sanction").Inc()
		return nil, Reject("target was sanctioned recently; try again later")
	}

	voted, err := e.gateway.CountDistinctTargetsVotedToday(ctx, tenant, voter)
	if err != nil {
		return nil, fmt.Errorf("daily quota lookup: %w", err)
	}
	if voted >= config.DailyTargetQuota {
		metrics.VotesRejected.WithLabelValues("daily_quota").Inc()
		return nil, Reject("daily vote limit of %d targets reached", config.DailyTargetQuota)
	}

	inserted, err := e.gateway.RecordVote(ctx, tenant, target, voter, reason)
	if err != nil {
		return nil, fmt.Errorf("record vote: %w", err)
	}
	if !inserted {
		metrics.VotesRejected.WithLabelValues("duplicate").Inc()
		return nil, Reject("you have already voted against this member")
	}
	metrics.VotesRecorded.Inc()

	return e.escalate(ctx, tenant, target, config)
}

// checkEligibility enforces the voter account-age and activity gates.
func (e *VoteEscalationEngine) checkEligibility(ctx context.Context, tenant TenantID, voter ActorID, config VoteConfig) error {
	createdAt, err := e.members.AccountCreatedAt(ctx, tenant, voter)
	if err != nil {
		return fmt.Errorf("account lookup for %s: %w", voter, err)
	}
	minAge := time.Duration(config.MinAccountAgeDays) * 24 * time.Hour
	if time.Since(createdAt) < minAge {
		return Reject("your account must be at least %d days old to vote", config.MinAccountAgeDays)
	}

	messages, err := e.gateway.CountMessages(ctx, tenant, voter)
	if err != nil {
		return fmt.Errorf("message count for %s: %w", voter, err)
	}
	if messages < config.MinMessageCount {
		return Reject("you need at least %d messages in this community to vote", config.MinMessageCount)
	}
	return nil
}

// escalate sums the weights of current votes for target and applies the
// first matching tier.
func (e *VoteEscalationEngine) escalate(ctx context.Context, tenant TenantID, target ActorID, config VoteConfig) (*VoteOutcome, error) {
	votes, err := e.gateway.ListVotes(ctx, tenant, target, config.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}

	total := 0.0
	for i := range votes {
		total += e.voterWeight(ctx, tenant, votes[i].Voter)
	}
	metrics.VoteWeight.Observe(total)

	outcome := &VoteOutcome{
		TotalWeight: total,
		VoteCount:   len(votes),
		Message:     fmt.Sprintf("vote recorded (%d votes, weight %.1f)", len(votes), total),
	}

	for _, tier := range config.Tiers {
		if total < tier.MinWeight {
			continue
		}
		e.applyTier(ctx, tenant, target, tier, outcome)
		break
	}
	return outcome, nil
}

// applyTier performs the tier action. A successful ban clears the
// target's votes; a mute deliberately does not, so repeated mutes can
// still escalate to a ban.
func (e *VoteEscalationEngine) applyTier(ctx context.Context, tenant TenantID, target ActorID, tier SanctionTier, outcome *VoteOutcome) {
	outcome.Action = tier.Action
	reason := fmt.Sprintf("community vote: %d votes, combined weight %.1f", outcome.VoteCount, outcome.TotalWeight)

	callCtx, cancel := context.WithTimeout(ctx, punishCallTimeout)
	defer cancel()

	switch tier.Action {
	case SanctionBan:
		if err := e.executor.Ban(callCtx, tenant, target, reason); err != nil {
			logging.Error().Err(err).
				Str("tenant", string(tenant)).
				Str("target", string(target)).
				Msg("vote ban failed")
			outcome.Message = "ban threshold reached but the ban could not be applied"
			return
		}
		e.recordSanction(ctx, tenant, target, SanctionBan, outcome, reason)
		if err := e.gateway.ClearVotes(ctx, tenant, target); err != nil {
			logging.Error().Err(err).
				Str("tenant", string(tenant)).
				Str("target", string(target)).
				Msg("vote clear after ban failed")
		}
		outcome.Applied = true
		outcome.Message = "target permanently banned by community vote"

	case SanctionMute:
		duration := time.Duration(tier.DurationMinutes) * time.Minute
		if err := e.executor.Timeout(callCtx, tenant, target, duration, reason); err != nil {
			logging.Error().Err(err).
				Str("tenant", string(tenant)).
				Str("target", string(target)).
				Msg("vote mute failed")
			outcome.Message = "restriction threshold reached but the restriction could not be applied"
			return
		}
		e.recordSanction(ctx, tenant, target, SanctionMute, outcome, reason)
		outcome.Applied = true
		outcome.Message = fmt.Sprintf("target restricted for %d minutes by community vote", tier.DurationMinutes)
	}
}

// recordSanction appends the moderation audit record. A persistence
// failure is logged; the sanction already happened on the platform.
func (e *VoteEscalationEngine) recordSanction(ctx context.Context, tenant TenantID, target ActorID, kind string, outcome *VoteOutcome, reason string) {
	action := &ModerationAction{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		Target:      target,
		Kind:        kind,
		VoteCount:   outcome.VoteCount,
		TotalWeight: outcome.TotalWeight,
		Reason:      reason,
		CreatedAt:   time.Now(),
	}
	if err := e.gateway.RecordModerationAction(ctx, action); err != nil {
		logging.Error().Err(err).
			Str("tenant", string(tenant)).
			Str("target", string(target)).
			Str("kind", kind).
			Msg("moderation audit record failed")
	}
}

// voterWeight computes a voter's weight from account age and historical
// message count. Lookups that fail degrade to the base weight.
func (e *VoteEscalationEngine) voterWeight(ctx context.Context, tenant TenantID, voter ActorID) float64 {
	weight := 1.0

	if createdAt, err := e.members.AccountCreatedAt(ctx, tenant, voter); err == nil {
		weight += ageBonus(time.Since(createdAt))
	}
	if messages, err := e.gateway.CountMessages(ctx, tenant, voter); err == nil {
		weight += messageBonus(messages)
	}

	if weight > maxVoteWeight {
		weight = maxVoteWeight
	}
	return weight
}

// ageBonus returns the account-age component of a vote weight.
func ageBonus(age time.Duration) float64 {
	days := age.Hours() / 24
	switch {
	case days > 365:
		return 0.5
	case days > 180:
		return 0.3
	case days > 90:
		return 0.1
	default:
		return 0
	}
}

// messageBonus returns the activity component of a vote weight.
func messageBonus(messages int) float64 {
	switch {
	case messages > 5000:
		return 0.5
	case messages > 1000:
		return 0.3
	case messages > 500:
		return 0.1
	default:
		return 0
	}
}

// Configure replaces the engine configuration.
func (e *VoteEscalationEngine) Configure(config json.RawMessage) error {
	newConfig := DefaultVoteConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.MinAccountAgeDays < 0 || newConfig.MinMessageCount < 0 {
		return fmt.Errorf("eligibility thresholds must not be negative")
	}
	if newConfig.DailyTargetQuota <= 0 {
		return fmt.Errorf("daily_target_quota must be positive")
	}
	if newConfig.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	newConfig.sanitize()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = newConfig
	return nil
}

// Config returns the current configuration.
func (e *VoteEscalationEngine) Config() VoteConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}
