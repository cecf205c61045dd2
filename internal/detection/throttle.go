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

	"github.com/bastion-dev/bastion/internal/logging"
	"github.com/bastion-dev/bastion/internal/window"
)

// Bounds for throttle configuration values.
const (
	throttleWindowFloor   = 10
	throttleWindowCeiling = 600
	throttleUpdateFloor   = 5
	throttleUpdateCeiling = 600
)

// ThrottleTier maps a message rate threshold (messages per minute) to a
// channel cooldown in seconds.
type ThrottleTier struct {
	Threshold float64 `json:"threshold"`
	Seconds   int     `json:"seconds"`
}

// DefaultThrottleTiers returns the documented default tier table.
func DefaultThrottleTiers() []ThrottleTier {
	return []ThrottleTier{
		{Threshold: 60, Seconds: 10},
		{Threshold: 30, Seconds: 5},
		{Threshold: 15, Seconds: 2},
	}
}

// ThrottleConfig configures the throughput throttle.
type ThrottleConfig struct {
	Enabled bool `json:"enabled"`

	// WindowSeconds is the rate measurement window, clamped to [10, 600].
	WindowSeconds int `json:"window_seconds"`

	// MinUpdateIntervalSeconds is the hysteresis interval between applied
	// changes per channel, clamped to [5, 600].
	MinUpdateIntervalSeconds int `json:"min_update_interval_seconds"`

	// Tiers are evaluated highest threshold first; the first tier whose
	// threshold the rate meets selects the cooldown. No match means 0
	// (throttle off).
	Tiers []ThrottleTier `json:"tiers"`
}

// DefaultThrottleConfig returns the documented defaults.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Enabled:                  false,
		WindowSeconds:            60,
		MinUpdateIntervalSeconds: 15,
		Tiers:                    DefaultThrottleTiers(),
	}
}

// sanitize clamps window bounds, drops malformed tiers, and sorts tiers
// descending by threshold. An empty tier list falls back to the defaults
// rather than failing (malformed configuration degrades to safe values).
func (c *ThrottleConfig) sanitize() {
	if c.WindowSeconds < throttleWindowFloor {
		c.WindowSeconds = throttleWindowFloor
	}
	if c.WindowSeconds > throttleWindowCeiling {
		c.WindowSeconds = throttleWindowCeiling
	}
	if c.MinUpdateIntervalSeconds < throttleUpdateFloor {
		c.MinUpdateIntervalSeconds = throttleUpdateFloor
	}
	if c.MinUpdateIntervalSeconds > throttleUpdateCeiling {
		c.MinUpdateIntervalSeconds = throttleUpdateCeiling
	}

	kept := make([]ThrottleTier, 0, len(c.Tiers))
	for _, tier := range c.Tiers {
		if tier.Threshold <= 0 || tier.Seconds < 0 {
			continue
		}
		kept = append(kept, tier)
	}
	if len(kept) == 0 {
		kept = DefaultThrottleTiers()
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].Threshold > kept[j].Threshold
	})
	c.Tiers = kept
}

// selectCooldown picks the cooldown for a rate: first tier (descending)
// whose threshold the rate meets or exceeds, else 0.
func (c *ThrottleConfig) selectCooldown(ratePerMinute float64) int {
	for _, tier := range c.Tiers {
		if ratePerMinute >= tier.Threshold {
			return tier.Seconds
		}
	}
	return 0
}

// channelThrottle is the per-channel hysteresis state.
type channelThrottle struct {
	lastApplied int
	lastChange  time.Time
	hasChanged  bool
}

// ThroughputThrottle maps each channel's rolling message rate to a
// cooldown value. Hysteresis: a new value is applied only if it differs
// from the last applied value AND the minimum update interval has elapsed
// since the last applied change.
type ThroughputThrottle struct {
	executor PunishmentExecutor

	mu      sync.RWMutex
	config  ThrottleConfig
	counter *window.Counter
	states  map[string]*channelThrottle
	enabled bool
}

// NewThroughputThrottle creates the throttle with default configuration.
func NewThroughputThrottle(executor PunishmentExecutor) *ThroughputThrottle {
	cfg := DefaultThrottleConfig()
	cfg.sanitize()
	return &ThroughputThrottle{
		executor: executor,
		config:   cfg,
		counter:  window.New(time.Duration(cfg.WindowSeconds) * time.Second),
		states:   make(map[string]*channelThrottle),
		enabled:  true,
	}
}

// Kind returns the detector identity.
func (t *ThroughputThrottle) Kind() DetectorKind {
	return DetectorThrottle
}

// Handle evaluates one message event.
func (t *ThroughputThrottle) Handle(ctx context.Context, ev *EventRecord) (*Trigger, error) {
	t.mu.RLock()
	if !t.enabled || !t.config.Enabled {
		t.mu.RUnlock()
		return nil, nil
	}
	config := t.config
	counter := t.counter
	t.mu.RUnlock()

	if ev.Channel == "" {
		return nil, nil
	}

	key := window.Key(string(ev.Tenant), string(ev.Channel))
	count := counter.RecordAndCount(key, ev.Timestamp)

	// Normalize to messages per minute regardless of window size.
	rate := float64(count) / float64(config.WindowSeconds) * 60
	target := config.selectCooldown(rate)

	t.mu.Lock()
	state, ok := t.states[key]
	if !ok {
		state = &channelThrottle{}
		t.states[key] = state
	}
	if target == state.lastApplied {
		t.mu.Unlock()
		return nil, nil
	}
	interval := time.Duration(config.MinUpdateIntervalSeconds) * time.Second
	if state.hasChanged && ev.Timestamp.Sub(state.lastChange) < interval {
		t.mu.Unlock()
		return nil, nil
	}
	// Mark applied before the downstream call: the apply is best-effort
	// and a failure must not defeat the hysteresis window.
	state.lastApplied = target
	state.lastChange = ev.Timestamp
	state.hasChanged = true
	t.mu.Unlock()

	t.apply(ctx, ev.Tenant, ev.Channel, target, rate)
	return nil, nil
}

// apply pushes the cooldown to the platform. Failures are logged and
// swallowed.
func (t *ThroughputThrottle) apply(ctx context.Context, tenant TenantID, channel ChannelID, seconds int, rate float64) {
	ctx, cancel := context.WithTimeout(ctx, punishCallTimeout)
	defer cancel()

	reason := fmt.Sprintf("message rate %.1f/min", rate)
	if err := t.executor.SetChannelCooldown(ctx, tenant, channel, seconds, reason); err != nil {
		logging.Warn().Err(err).
			Str("tenant", string(tenant)).
			Str("channel", string(channel)).
			Int("seconds", seconds).
			Msg("cooldown apply failed")
		return
	}
	logging.Debug().
		Str("tenant", string(tenant)).
		Str("channel", string(channel)).
		Int("seconds", seconds).
		Float64("rate", rate).
		Msg("cooldown applied")
}

// Configure replaces the throttle configuration.
func (t *ThroughputThrottle) Configure(config json.RawMessage) error {
	newConfig := DefaultThrottleConfig()
	if err := json.Unmarshal(config, &newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	newConfig.sanitize()

	t.mu.Lock()
	defer t.mu.Unlock()
	if newConfig.WindowSeconds != t.config.WindowSeconds {
		t.counter = window.New(time.Duration(newConfig.WindowSeconds) * time.Second)
	}
	t.config = newConfig
	return nil
}

// Config returns the current configuration.
func (t *ThroughputThrottle) Config() ThrottleConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config
}

// Enabled reports whether the throttle is processing events.
func (t *ThroughputThrottle) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// SetEnabled enables or disables the throttle.
func (t *ThroughputThrottle) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}
