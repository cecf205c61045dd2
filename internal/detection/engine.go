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

	"github.com/bastion-dev/bastion/internal/logging"
	"github.com/bastion-dev/bastion/internal/metrics"
)

// Engine routes inbound events to the detector responsible for their
// kind and collects per-detector metrics.
type Engine struct {
	mu        sync.RWMutex
	detectors map[DetectorKind]Detector
	routes    map[EventKind]DetectorKind
	enabled   bool
	stats     map[DetectorKind]*DetectorStats
}

// DetectorStats tracks one detector's activity.
type DetectorStats struct {
	EventsChecked   int64      `json:"events_checked"`
	Triggers        int64      `json:"triggers"`
	Errors          int64      `json:"errors"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// NewEngine creates an empty engine; detectors are added with Register.
func NewEngine() *Engine {
	return &Engine{
		detectors: make(map[DetectorKind]Detector),
		routes:    make(map[EventKind]DetectorKind),
		enabled:   true,
		stats:     make(map[DetectorKind]*DetectorStats),
	}
}

// Register adds a detector and routes the given event kinds to it.
func (e *Engine) Register(d Detector, kinds ...EventKind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.detectors[d.Kind()] = d
	e.stats[d.Kind()] = &DetectorStats{}
	for _, kind := range kinds {
		e.routes[kind] = d.Kind()
	}

	logging.Info().Str("detector", string(d.Kind())).Msg("registered detector")
}

// Handle routes one event to its detector. The returned Trigger is nil
// when nothing fired. Unroutable kinds are ignored.
func (e *Engine) Handle(ctx context.Context, ev *EventRecord) (*Trigger, error) {
	e.mu.RLock()
	if !e.enabled {
		e.mu.RUnlock()
		return nil, nil
	}
	kind, ok := e.routes[ev.Kind]
	if !ok {
		e.mu.RUnlock()
		return nil, nil
	}
	detector := e.detectors[kind]
	stats := e.stats[kind]
	e.mu.RUnlock()

	if !detector.Enabled() {
		return nil, nil
	}

	e.mu.Lock()
	stats.EventsChecked++
	e.mu.Unlock()
	metrics.EventsProcessed.WithLabelValues(string(ev.Kind)).Inc()

	trigger, err := detector.Handle(ctx, ev)
	if err != nil {
		e.mu.Lock()
		stats.Errors++
		e.mu.Unlock()
		metrics.DetectorErrors.WithLabelValues(string(kind)).Inc()
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	if trigger != nil {
		now := time.Now()
		e.mu.Lock()
		stats.Triggers++
		stats.LastTriggeredAt = &now
		e.mu.Unlock()
		metrics.DetectorTriggers.WithLabelValues(string(kind)).Inc()

		logging.Info().
			Str("detector", string(trigger.Detector)).
			Str("tenant", string(trigger.Tenant)).
			Str("actor", string(trigger.Actor)).
			Str("action", trigger.Action).
			Str("severity", string(trigger.Severity)).
			Msg(trigger.Message)
	}

	return trigger, nil
}

// Detector returns a registered detector by kind.
func (e *Engine) Detector(kind DetectorKind) (Detector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.detectors[kind]
	return d, ok
}

// Configure updates one detector's configuration.
func (e *Engine) Configure(kind DetectorKind, config json.RawMessage) error {
	d, ok := e.Detector(kind)
	if !ok {
		return fmt.Errorf("detector not found: %s", kind)
	}
	return d.Configure(config)
}

// SetDetectorEnabled toggles one detector.
func (e *Engine) SetDetectorEnabled(kind DetectorKind, enabled bool) error {
	d, ok := e.Detector(kind)
	if !ok {
		return fmt.Errorf("detector not found: %s", kind)
	}
	d.SetEnabled(enabled)
	return nil
}

// SetEnabled toggles the whole engine.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// Enabled reports whether the engine is processing events.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Stats returns a copy of the per-detector statistics.
func (e *Engine) Stats() map[DetectorKind]DetectorStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[DetectorKind]DetectorStats, len(e.stats))
	for kind, s := range e.stats {
		out[kind] = *s
	}
	return out
}

// RunWithContext blocks until the context is canceled. It exists so the
// engine slots into the supervisor tree alongside the event bus router
// and HTTP server.
func (e *Engine) RunWithContext(ctx context.Context) error {
	logging.Info().Msg("detection engine started")
	<-ctx.Done()
	logging.Info().Msg("detection engine shutting down")
	return ctx.Err()
}
