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

// Punitive actions for the admin-action detector.
const (
	PunitiveStrip = "strip"
	PunitiveBan   = "ban"
)

// stripTimeoutDuration is how long a stripped actor is timed out.
const stripTimeoutDuration = time.Hour

// punishCallTimeout bounds each downstream punishment call.
const punishCallTimeout = 5 * time.Second

// AdminActionConfig configures the admin-action detector.
type AdminActionConfig struct {
	// ChannelDeleteLimit is the channel deletions allowed per window.
	// Permission-overwrite changes share this limit.
	ChannelDeleteLimit int `json:"channel_delete_limit"`

	// RoleDeleteLimit is the role deletions allowed per window.
	RoleDeleteLimit int `json:"role_delete_limit"`

	// BanLimit is the bans allowed per window.
	BanLimit int `json:"ban_limit"`

	// WebhookCreateLimit is the webhook creations allowed per window.
	WebhookCreateLimit int `json:"webhook_create_limit"`

	// TimeWindowSeconds is the sliding window size.
	TimeWindowSeconds int `json:"time_window_seconds"`

	// PunitiveAction is "strip" (remove roles + timeout) or "ban".
	PunitiveAction string `json:"punitive_action"`

	// AllowOwner exempts the tenant owner from detection.
	AllowOwner bool `json:"allow_owner"`
}

// DefaultAdminActionConfig returns the documented defaults.
func DefaultAdminActionConfig() AdminActionConfig {
	return AdminActionConfig{
		ChannelDeleteLimit: 3,
		RoleDeleteLimit:    5,
		BanLimit:           10,
		WebhookCreateLimit: 3,
		TimeWindowSeconds:  30,
		PunitiveAction:     PunitiveStrip,
		AllowOwner:         true,
	}
}

// AdminActionDetector counts destructive administrative actions per
// (tenant, actor, kind) and punishes actors that cross the per-kind limit.
// A breach clears the bucket, so the next event starts a fresh count
// instead of re-triggering until the window naturally empties.
type AdminActionDetector struct {
	trust    TrustRegistry
	executor PunishmentExecutor

	mu      sync.RWMutex
	config  AdminActionConfig
	counter *window.Counter
	enabled bool
}

// NewAdminActionDetector creates the detector with default configuration.
func NewAdminActionDetector(trust TrustRegistry, executor PunishmentExecutor) *AdminActionDetector {
	cfg := DefaultAdminActionConfig()
	return &AdminActionDetector{
		trust:    trust,
		executor: executor,
		config:   cfg,
		counter:  window.New(time.Duration(cfg.TimeWindowSeconds) * time.Second),
		enabled:  true,
	}
}

// Kind returns the detector identity.
func (d *AdminActionDetector) Kind() DetectorKind {
	return DetectorAdminAction
}

// limitFor returns the configured limit for an event kind, or 0 when the
// kind is not an administrative action.
func (c *AdminActionConfig) limitFor(kind EventKind) int {
	switch kind {
	case EventChannelDelete, EventPermissionChange:
		return c.ChannelDeleteLimit
	case EventRoleDelete:
		return c.RoleDeleteLimit
	case EventBan:
		return c.BanLimit
	case EventWebhookCreate:
		return c.WebhookCreateLimit
	default:
		return 0
	}
}

// Handle evaluates one administrative action event.
func (d *AdminActionDetector) Handle(ctx context.Context, ev *EventRecord) (*Trigger, error) {
	d.mu.RLock()
	if !d.enabled {
		d.mu.RUnlock()
		return nil, nil
	}
	config := d.config
	counter := d.counter
	d.mu.RUnlock()

	// Unattributed events cannot be counted against anyone.
	if ev.Actor == "" {
		return nil, nil
	}

	limit := config.limitFor(ev.Kind)
	if limit <= 0 {
		return nil, nil
	}

	tier, err := d.trust.Resolve(ctx, ev.Tenant, ev.Actor)
	if err != nil {
		// Without a trust resolution the gate cannot be evaluated; skip
		// rather than risk punishing a trusted admin.
		logging.Warn().Err(err).
			Str("tenant", string(ev.Tenant)).
			Str("actor", string(ev.Actor)).
			Msg("trust resolution failed, skipping event")
		return nil, nil
	}
	if tier == TrustTrustedAdmin || (tier == TrustOwner && config.AllowOwner) {
		return nil, nil
	}

	key := window.Key(string(ev.Tenant), string(ev.Actor), string(ev.Kind))
	count, triggered := counter.RecordAndTrigger(key, ev.Timestamp, limit)
	if !triggered {
		return nil, nil
	}

	d.punish(ctx, ev.Tenant, ev.Actor, config.PunitiveAction)

	return &Trigger{
		ID:       uuid.NewString(),
		Detector: DetectorAdminAction,
		Tenant:   ev.Tenant,
		Actor:    ev.Actor,
		Severity: SeverityCritical,
		Action:   config.PunitiveAction,
		Message: fmt.Sprintf("%d %s events within %ds (limit %d)",
			count, ev.Kind, config.TimeWindowSeconds, limit),
		CreatedAt: time.Now(),
	}, nil
}

// punish applies the configured punitive action. Failures are logged and
// swallowed: the bucket is already cleared, so a failed punishment does
// not re-trigger on every subsequent event.
func (d *AdminActionDetector) punish(ctx context.Context, tenant TenantID, actor ActorID, action string) {
	ctx, cancel := context.WithTimeout(ctx, punishCallTimeout)
	defer cancel()

	const reason = "administrative action rate limit exceeded"

	if action == PunitiveBan {
		if err := d.executor.Ban(ctx, tenant, actor, reason); err != nil {
			logging.Error().Err(err).
				Str("tenant", string(tenant)).
				Str("actor", string(actor)).
				Msg("ban failed")
		}
		return
	}

	if err := d.executor.RemoveAllRoles(ctx, tenant, actor, reason); err != nil {
		logging.Error().Err(err).
			Str("tenant", string(tenant)).
			Str("actor", string(actor)).
			Msg("role strip failed")
	}
	if err := d.executor.Timeout(ctx, tenant, actor, stripTimeoutDuration, reason); err != nil {
		logging.Error().Err(err).
			Str("tenant", string(tenant)).
			Str("actor", string(actor)).
			Msg("timeout failed")
	}
}

// Configure replaces the detector configuration.
func (d *AdminActionDetector) Configure(config json.RawMessage) error {
	newConfig := DefaultAdminActionConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if newConfig.TimeWindowSeconds <= 0 {
		return fmt.Errorf("time_window_seconds must be positive")
	}
	if newConfig.PunitiveAction != PunitiveStrip && newConfig.PunitiveAction != PunitiveBan {
		return fmt.Errorf("punitive_action must be %q or %q", PunitiveStrip, PunitiveBan)
	}
	for name, limit := range map[string]int{
		"channel_delete_limit": newConfig.ChannelDeleteLimit,
		"role_delete_limit":    newConfig.RoleDeleteLimit,
		"ban_limit":            newConfig.BanLimit,
		"webhook_create_limit": newConfig.WebhookCreateLimit,
	} {
		if limit <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if newConfig.TimeWindowSeconds != d.config.TimeWindowSeconds {
		// Window size changed: counts restart, which errs on the side of
		// not punishing across a reconfiguration.
		d.counter = window.New(time.Duration(newConfig.TimeWindowSeconds) * time.Second)
	}
	d.config = newConfig
	return nil
}

// Config returns the current configuration.
func (d *AdminActionDetector) Config() AdminActionConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Enabled reports whether the detector is processing events.
func (d *AdminActionDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *AdminActionDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
