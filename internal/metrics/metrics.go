// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

// Package metrics provides Prometheus instrumentation for the detection
// engine, the punishment executor, and the HTTP API.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection engine metrics

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_processed_total",
			Help: "Total number of platform events routed to a detector",
		},
		[]string{"kind"},
	)

	DetectorTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_detector_triggers_total",
			Help: "Total number of detector threshold breaches",
		},
		[]string{"detector"},
	)

	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_detector_errors_total",
			Help: "Total number of detector evaluation errors",
		},
		[]string{"detector"},
	)

	// Punishment executor metrics

	PunishmentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_punishment_calls_total",
			Help: "Total punishment executor calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	PunishmentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_punishment_duration_seconds",
			Help:    "Duration of punishment executor calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Vote escalation metrics

	VotesRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_votes_recorded_total",
			Help: "Total peer votes accepted and recorded",
		},
	)

	VotesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_votes_rejected_total",
			Help: "Total peer votes rejected by an eligibility gate",
		},
		[]string{"reason"},
	)

	VoteWeight = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_vote_total_weight",
			Help:    "Combined vote weight observed at escalation time",
			Buckets: []float64{1, 2, 5, 10, 20, 30},
		},
	)

	// HTTP API metrics

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordAPIRequest records one API request observation.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPunishment records one punishment executor call observation.
func RecordPunishment(op string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	PunishmentCalls.WithLabelValues(op, outcome).Inc()
	PunishmentDuration.WithLabelValues(op).Observe(duration.Seconds())
}
