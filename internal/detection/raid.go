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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/bastion-dev/bastion/internal/logging"
	"github.com/bastion-dev/bastion/internal/window"
)

// joinWindow is the fixed window for join-burst detection.
const joinWindow = 60 * time.Second

// RaidConfig configures the raid detector.
type RaidConfig struct {
	// JoinThreshold is the number of joins within the window that counts
	// as a raid.
	JoinThreshold int `json:"join_threshold"`

	// LockdownOnRaid enables automatic lockdown when the threshold is met.
	LockdownOnRaid bool `json:"lockdown_on_raid"`

	// AccountAgeDays is the minimum account age; younger accounts hit the
	// kick/quarantine heuristic.
	AccountAgeDays int `json:"account_age_days"`

	// KickYoungAccounts kicks accounts younger than AccountAgeDays.
	KickYoungAccounts bool `json:"kick_young_accounts"`

	// QuarantineRole is assigned to young accounts when kicking is off.
	// Empty disables quarantine.
	QuarantineRole RoleID `json:"quarantine_role_id"`
}

// DefaultRaidConfig returns the documented defaults.
func DefaultRaidConfig() RaidConfig {
	return RaidConfig{
		JoinThreshold:     10,
		LockdownOnRaid:    true,
		AccountAgeDays:    7,
		KickYoungAccounts: false,
		QuarantineRole:    "",
	}
}

// RaidDetector counts joins per tenant in a fixed 60-second window and
// triggers a reversible lockdown on a burst. Independently, every joining
// member is evaluated against the account-age heuristic.
//
// The join bucket is not reset on trigger; lockdown idempotency collapses
// repeated triggers within the same burst.
type RaidDetector struct {
	trust    TrustRegistry
	executor PunishmentExecutor
	lockdown *LockdownManager

	mu      sync.RWMutex
	config  RaidConfig
	joins   *window.Counter
	enabled bool
}

// NewRaidDetector creates the detector with default configuration.
func NewRaidDetector(trust TrustRegistry, executor PunishmentExecutor, lockdown *LockdownManager) *RaidDetector {
	return &RaidDetector{
		trust:    trust,
		executor: executor,
		lockdown: lockdown,
		config:   DefaultRaidConfig(),
		joins:    window.New(joinWindow),
		enabled:  true,
	}
}

// Kind returns the detector identity.
func (d *RaidDetector) Kind() DetectorKind {
	return DetectorRaid
}

// Handle evaluates one member-join event.
func (d *RaidDetector) Handle(ctx context.Context, ev *EventRecord) (*Trigger, error) {
	d.mu.RLock()
	if !d.enabled {
		d.mu.RUnlock()
		return nil, nil
	}
	config := d.config
	d.mu.RUnlock()

	var trigger *Trigger

	count := d.joins.RecordAndCount(window.Key(string(ev.Tenant), "join"), ev.Timestamp)
	if config.JoinThreshold > 0 && count >= config.JoinThreshold {
		if config.LockdownOnRaid {
			enabled, err := d.lockdown.Enable(ctx, ev.Tenant, "raid detected")
			if err != nil {
				logging.Error().Err(err).
					Str("tenant", string(ev.Tenant)).
					Msg("raid lockdown failed")
			} else if enabled {
				trigger = &Trigger{
					ID:       uuid.NewString(),
					Detector: DetectorRaid,
					Tenant:   ev.Tenant,
					Severity: SeverityCritical,
					Action:   "lockdown",
					Message: fmt.Sprintf("%d joins within %s (threshold %d)",
						count, joinWindow, config.JoinThreshold),
					CreatedAt: time.Now(),
				}
			}
		}
	}

	d.screenNewMember(ctx, ev, config)

	return trigger, nil
}

// screenNewMember applies the account-age heuristic to a joining member:
// kick if configured, else quarantine if configured. The branches are
// mutually exclusive; the first configured one wins.
func (d *RaidDetector) screenNewMember(ctx context.Context, ev *EventRecord, config RaidConfig) {
	if ev.Actor == "" || ev.AccountCreatedAt.IsZero() || config.AccountAgeDays <= 0 {
		return
	}
	age := ev.Timestamp.Sub(ev.AccountCreatedAt)
	if age >= time.Duration(config.AccountAgeDays)*24*time.Hour {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, punishCallTimeout)
	defer cancel()

	switch {
	case config.KickYoungAccounts:
		if err := d.executor.Kick(ctx, ev.Tenant, ev.Actor, "account too new"); err != nil {
			logging.Warn().Err(err).
				Str("tenant", string(ev.Tenant)).
				Str("actor", string(ev.Actor)).
				Msg("kick of young account failed")
		}
	case config.QuarantineRole != "":
		if err := d.executor.GrantRole(ctx, ev.Tenant, ev.Actor, config.QuarantineRole, "quarantine: account too new"); err != nil {
			logging.Warn().Err(err).
				Str("tenant", string(ev.Tenant)).
				Str("actor", string(ev.Actor)).
				Msg("quarantine role grant failed")
		}
	}
}

// SetLockdown is the manual lockdown command. Only actors passing the
// trust gate may toggle lockdown; everyone else gets a rejection.
func (d *RaidDetector) SetLockdown(ctx context.Context, tenant TenantID, actor ActorID, enable bool) error {
	tier, err := d.trust.Resolve(ctx, tenant, actor)
	if err != nil {
		return fmt.Errorf("trust resolution: %w", err)
	}
	if !tier.AtLeast(TrustTrustedAdmin) {
		return Reject("actor %s is not authorized to toggle lockdown", actor)
	}
	if enable {
		_, err := d.lockdown.Enable(ctx, tenant, "manual lockdown command")
		return err
	}
	return d.lockdown.Disable(ctx, tenant, "manual lockdown command")
}

// Configure replaces the detector configuration.
func (d *RaidDetector) Configure(config json.RawMessage) error {
	newConfig := DefaultRaidConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.JoinThreshold <= 0 {
		return fmt.Errorf("join_threshold must be positive")
	}
	if newConfig.AccountAgeDays < 0 {
		return fmt.Errorf("account_age_days must not be negative")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = newConfig
	return nil
}

// Config returns the current configuration.
func (d *RaidDetector) Config() RaidConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Enabled reports whether the detector is processing events.
func (d *RaidDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *RaidDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
