// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package detection

import (
	"context"
	"testing"
	"time"
)

func messageEvent(tenant TenantID, channel ChannelID, ts time.Time) *EventRecord {
	return &EventRecord{
		Tenant:    tenant,
		Channel:   channel,
		Actor:     "member",
		Kind:      EventMessageSent,
		Timestamp: ts,
	}
}

func newThrottleFixture(t *testing.T, exec *mockExecutor) *ThroughputThrottle {
	t.Helper()
	tt := NewThroughputThrottle(exec)
	if err := tt.Configure([]byte(`{"enabled":true,"window_seconds":60,"min_update_interval_seconds":15}`)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return tt
}

func TestThrottleConfig_SelectCooldown(t *testing.T) {
	config := DefaultThrottleConfig()
	config.sanitize()

	tests := []struct {
		rate float64
		want int
	}{
		{0, 0},
		{14.9, 0},
		{15, 2},
		{29.9, 2},
		{30, 5},
		{59.9, 5},
		{60, 10},
		{500, 10},
	}
	for _, tc := range tests {
		if got := config.selectCooldown(tc.rate); got != tc.want {
			t.Errorf("selectCooldown(%v) = %d, want %d", tc.rate, got, tc.want)
		}
	}
}

func TestThrottleConfig_Sanitize(t *testing.T) {
	config := ThrottleConfig{
		WindowSeconds:            2,
		MinUpdateIntervalSeconds: 10000,
		Tiers: []ThrottleTier{
			{Threshold: 10, Seconds: 3},
			{Threshold: -5, Seconds: 1},
			{Threshold: 40, Seconds: 8},
			{Threshold: 20, Seconds: -1},
		},
	}
	config.sanitize()

	if config.WindowSeconds != throttleWindowFloor {
		t.Errorf("WindowSeconds = %d, want clamped to %d", config.WindowSeconds, throttleWindowFloor)
	}
	if config.MinUpdateIntervalSeconds != throttleUpdateCeiling {
		t.Errorf("MinUpdateIntervalSeconds = %d, want clamped to %d", config.MinUpdateIntervalSeconds, throttleUpdateCeiling)
	}
	want := []ThrottleTier{{Threshold: 40, Seconds: 8}, {Threshold: 10, Seconds: 3}}
	if len(config.Tiers) != len(want) {
		t.Fatalf("kept %d tiers, want %d: %+v", len(config.Tiers), len(want), config.Tiers)
	}
	for i, tier := range want {
		if config.Tiers[i] != tier {
			t.Errorf("tier[%d] = %+v, want %+v", i, config.Tiers[i], tier)
		}
	}
}

func TestThrottleConfig_SanitizeEmptyTiersFallsBack(t *testing.T) {
	config := ThrottleConfig{
		WindowSeconds:            60,
		MinUpdateIntervalSeconds: 15,
		Tiers:                    []ThrottleTier{{Threshold: 0, Seconds: 5}},
	}
	config.sanitize()

	if len(config.Tiers) != len(DefaultThrottleTiers()) {
		t.Errorf("all-malformed tier list should fall back to defaults, got %+v", config.Tiers)
	}
}

func TestThrottle_AppliesCooldownAtTier(t *testing.T) {
	exec := &mockExecutor{}
	tt := newThrottleFixture(t, exec)
	ctx := context.Background()
	base := time.Now()

	// 15 messages inside a 60s window is a rate of 15/min, the lowest tier.
	for i := 0; i < 15; i++ {
		tt.Handle(ctx, messageEvent("t1", "general", base.Add(time.Duration(i)*time.Second)))
	}

	calls := exec.callsFor("set_channel_cooldown")
	if len(calls) != 1 {
		t.Fatalf("cooldown applied %d times, want 1", len(calls))
	}
	if calls[0].seconds != 2 || calls[0].channel != "general" {
		t.Errorf("applied %+v, want 2s on general", calls[0])
	}
}

func TestThrottle_HysteresisBlocksRapidChanges(t *testing.T) {
	exec := &mockExecutor{}
	tt := newThrottleFixture(t, exec)
	ctx := context.Background()
	base := time.Now()

	// Burst to the 2s tier, then keep climbing past the 5s tier within the
	// 15s update interval. The second change must be suppressed.
	for i := 0; i < 30; i++ {
		tt.Handle(ctx, messageEvent("t1", "general", base.Add(time.Duration(i)*100*time.Millisecond)))
	}

	calls := exec.callsFor("set_channel_cooldown")
	if len(calls) != 1 {
		t.Fatalf("cooldown applied %d times within the update interval, want 1", len(calls))
	}
	if calls[0].seconds != 2 {
		t.Errorf("first apply = %ds, want 2s", calls[0].seconds)
	}

	// Past the interval the pending escalation goes through.
	tt.Handle(ctx, messageEvent("t1", "general", base.Add(20*time.Second)))
	calls = exec.callsFor("set_channel_cooldown")
	if len(calls) != 2 {
		t.Fatalf("cooldown applied %d times after the interval, want 2", len(calls))
	}
	if calls[1].seconds != 5 {
		t.Errorf("second apply = %ds, want 5s", calls[1].seconds)
	}
}

func TestThrottle_ReleasesWhenRateDrops(t *testing.T) {
	exec := &mockExecutor{}
	tt := newThrottleFixture(t, exec)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 15; i++ {
		tt.Handle(ctx, messageEvent("t1", "general", base.Add(time.Duration(i)*time.Second)))
	}
	// Two minutes later the window is empty again; the next message should
	// release the cooldown.
	tt.Handle(ctx, messageEvent("t1", "general", base.Add(2*time.Minute)))

	calls := exec.callsFor("set_channel_cooldown")
	if len(calls) != 2 {
		t.Fatalf("cooldown applied %d times, want 2 (set then release)", len(calls))
	}
	if calls[1].seconds != 0 {
		t.Errorf("release apply = %ds, want 0", calls[1].seconds)
	}
}

func TestThrottle_FailedApplyStillCountsForHysteresis(t *testing.T) {
	exec := &mockExecutor{failOps: map[string]error{"set_channel_cooldown": context.DeadlineExceeded}}
	tt := newThrottleFixture(t, exec)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 15; i++ {
		tt.Handle(ctx, messageEvent("t1", "general", base.Add(time.Duration(i)*time.Second)))
	}
	// Same tier again: the failed apply recorded 2s as last applied, so no
	// retry storm.
	for i := 15; i < 18; i++ {
		tt.Handle(ctx, messageEvent("t1", "general", base.Add(time.Duration(i)*time.Second)))
	}

	if calls := exec.callsFor("set_channel_cooldown"); len(calls) != 1 {
		t.Errorf("cooldown attempted %d times, want 1", len(calls))
	}
}

func TestThrottle_ChannelIsolation(t *testing.T) {
	exec := &mockExecutor{}
	tt := newThrottleFixture(t, exec)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 15; i++ {
		tt.Handle(ctx, messageEvent("t1", "busy", base.Add(time.Duration(i)*time.Second)))
		tt.Handle(ctx, messageEvent("t1", "quiet", base.Add(time.Duration(i)*6*time.Second)))
	}

	for _, call := range exec.callsFor("set_channel_cooldown") {
		if call.channel == "quiet" {
			t.Errorf("quiet channel got a cooldown: %+v", call)
		}
	}
	if len(exec.callsFor("set_channel_cooldown")) == 0 {
		t.Error("busy channel should have been throttled")
	}
}

func TestThrottle_DisabledConfigIsNoOp(t *testing.T) {
	exec := &mockExecutor{}
	tt := NewThroughputThrottle(exec) // default config has enabled=false
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 100; i++ {
		tt.Handle(ctx, messageEvent("t1", "general", base))
	}
	if len(exec.calls) != 0 {
		t.Errorf("disabled throttle made %d calls", len(exec.calls))
	}
}

func TestThrottle_IgnoresEventsWithoutChannel(t *testing.T) {
	exec := &mockExecutor{}
	tt := newThrottleFixture(t, exec)

	for i := 0; i < 100; i++ {
		tt.Handle(context.Background(), messageEvent("t1", "", time.Now()))
	}
	if len(exec.calls) != 0 {
		t.Errorf("channel-less events made %d calls", len(exec.calls))
	}
}
