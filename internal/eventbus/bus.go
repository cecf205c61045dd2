// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

/*
bus.go - Event Pipeline

This file wires the inbound event pipeline: an in-process Watermill
pub/sub, a router with panic recovery, exponential backoff retry, and a
poison queue, and the handler that decodes platform events and feeds
them to the detection engine.

Delivery semantics:
  - The message-count sink runs before the engine, so a sink failure
    retries the message without having touched any detector state.
  - Engine errors are logged and acked, not retried: detector windows
    are not idempotent and a redelivered event would double-count.
  - Messages that keep failing (undecodable payloads, persistent sink
    failures) land on the poison topic and are logged there.
*/

//nolint:staticcheck // File documentation, not package doc
package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/bastion-dev/bastion/internal/detection"
	"github.com/bastion-dev/bastion/internal/logging"
)

// Topics used on the in-process bus.
const (
	TopicEvents = "platform.events"
	TopicPoison = "platform.events.poison"
)

// Config controls the event bus.
type Config struct {
	// BufferSize is the per-subscriber channel buffer.
	BufferSize int `koanf:"buffer_size" json:"buffer_size"`

	// CloseTimeout is how long to wait for in-flight handlers on close.
	CloseTimeout time.Duration `koanf:"close_timeout" json:"close_timeout"`

	// Retry configuration for the handler middleware.
	RetryMaxRetries      int           `koanf:"retry_max_retries" json:"retry_max_retries"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval" json:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval" json:"retry_max_interval"`
	RetryMultiplier      float64       `koanf:"retry_multiplier" json:"retry_multiplier"`
}

// DefaultConfig returns production defaults for the bus.
func DefaultConfig() Config {
	return Config{
		BufferSize:           256,
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		RetryMultiplier:      2.0,
	}
}

// EventHandler consumes decoded platform events. Satisfied by the
// detection engine.
type EventHandler interface {
	Handle(ctx context.Context, ev *detection.EventRecord) (*detection.Trigger, error)
}

// MessageSink receives message-activity increments. Satisfied by the
// store.
type MessageSink interface {
	IncrementMessageCount(ctx context.Context, tenant detection.TenantID, actor detection.ActorID) error
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Poisoned  int64 `json:"poisoned"`
}

// Bus is the in-process event pipeline.
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router

	processed atomic.Int64
	failed    atomic.Int64
	poisoned  atomic.Int64
}

// New builds the bus and registers the detection handler. sink may be
// nil when message counting is disabled.
func New(cfg Config, engine EventHandler, sink MessageSink) (*Bus, error) {
	logger := NewLoggerAdapter()

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.BufferSize),
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	b := &Bus{pubsub: pubsub, router: router}

	poison, err := middleware.PoisonQueue(pubsub, TopicPoison)
	if err != nil {
		return nil, fmt.Errorf("create poison queue: %w", err)
	}

	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}

	// Outer to inner: recover panics, divert exhausted messages, retry.
	router.AddMiddleware(middleware.Recoverer)
	router.AddMiddleware(poison)
	router.AddMiddleware(retry.Middleware)

	router.AddNoPublisherHandler(
		"detection-events",
		TopicEvents,
		pubsub,
		b.handleEvent(engine, sink),
	)

	router.AddNoPublisherHandler(
		"poison-log",
		TopicPoison,
		pubsub,
		func(msg *message.Message) error {
			b.poisoned.Add(1)
			logging.Error().
				Str("message_id", msg.UUID).
				Str("payload", string(msg.Payload)).
				Msg("event moved to poison queue")
			return nil
		},
	)

	return b, nil
}

// handleEvent decodes one platform event and runs it through the sink
// and the engine.
func (b *Bus) handleEvent(engine EventHandler, sink MessageSink) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var ev detection.EventRecord
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			b.failed.Add(1)
			return fmt.Errorf("decode event: %w", err)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}

		ctx := msg.Context()

		if sink != nil && ev.Kind == detection.EventMessageSent && ev.Actor != "" {
			if err := sink.IncrementMessageCount(ctx, ev.Tenant, ev.Actor); err != nil {
				b.failed.Add(1)
				return fmt.Errorf("message sink: %w", err)
			}
		}

		if _, err := engine.Handle(ctx, &ev); err != nil {
			// Detector windows are not idempotent; ack and move on.
			b.failed.Add(1)
			logging.Error().Err(err).
				Str("event_id", ev.EventID).
				Str("kind", string(ev.Kind)).
				Msg("detection handling failed")
			return nil
		}

		b.processed.Add(1)
		return nil
	}
}

// Publish puts one event on the bus. The message deliberately does not
// carry the caller's context: the caller (an HTTP request, typically)
// finishes before the handler runs.
func (b *Bus) Publish(_ context.Context, ev *detection.EventRecord) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(TopicEvents, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Processed: b.processed.Load(),
		Failed:    b.failed.Load(),
		Poisoned:  b.poisoned.Load(),
	}
}

// Running returns a channel closed once the router is running.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

// RunWithContext runs the router until the context is canceled, then
// closes the pub/sub.
func (b *Bus) RunWithContext(ctx context.Context) error {
	defer func() {
		if err := b.pubsub.Close(); err != nil {
			logging.Warn().Err(err).Msg("event bus close failed")
		}
	}()
	return b.router.Run(ctx)
}
