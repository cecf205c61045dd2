// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/bastion-dev/bastion/internal/detection"
	"github.com/bastion-dev/bastion/internal/logging"
	"github.com/bastion-dev/bastion/internal/metrics"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error().Err(err).Msg("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps a domain error to a response. Rejections are
// caller mistakes and carry their reason; everything else is a 500 with
// the detail kept in the log.
func writeDomainError(w http.ResponseWriter, err error) {
	if detection.IsRejection(err) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	logging.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// metricsMiddleware records request counts and latency per route
// pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordAPIRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
