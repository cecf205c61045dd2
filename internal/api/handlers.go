// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/bastion-dev/bastion/internal/detection"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var knownEventKinds = map[detection.EventKind]bool{
	detection.EventChannelDelete:    true,
	detection.EventRoleDelete:       true,
	detection.EventBan:              true,
	detection.EventWebhookCreate:    true,
	detection.EventPermissionChange: true,
	detection.EventMemberJoin:       true,
	detection.EventMessageSent:      true,
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.audit.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleIngestEvent accepts one platform event and puts it on the bus.
// Ingestion is asynchronous: a 202 means accepted, not evaluated.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev detection.EventRecord
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if ev.Tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if !knownEventKinds[ev.Kind] {
		writeError(w, http.StatusBadRequest, "unknown event kind")
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if err := s.publisher.Publish(r.Context(), &ev); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": ev.EventID})
}

type castVoteRequest struct {
	Target string `json:"target_id" validate:"required"`
	Voter  string `json:"voter_id" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	tenant := detection.TenantID(chi.URLParam(r, "tenant"))

	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid vote payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.votes.CastVote(r.Context(), tenant,
		detection.ActorID(req.Target), detection.ActorID(req.Voter), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type castBallotRequest struct {
	Voter  string `json:"voter_id" validate:"required"`
	Target string `json:"target_id" validate:"required"`
}

func (s *Server) handleCastBallot(w http.ResponseWriter, r *http.Request) {
	tenant := detection.TenantID(chi.URLParam(r, "tenant"))

	var req castBallotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid ballot payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.elections.CastBallot(r.Context(), tenant,
		detection.ActorID(req.Voter), detection.ActorID(req.Target))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type lockdownRequest struct {
	Actor   string `json:"actor_id" validate:"required"`
	Enabled *bool  `json:"enabled" validate:"required"`
}

func (s *Server) handleLockdown(w http.ResponseWriter, r *http.Request) {
	tenant := detection.TenantID(chi.URLParam(r, "tenant"))

	var req lockdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lockdown payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.lockdown.SetLockdown(r.Context(), tenant, detection.ActorID(req.Actor), *req.Enabled)
	if err != nil {
		// The trust gate speaks in rejections; those are authorization
		// failures here, not validation ones.
		if detection.IsRejection(err) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	tenant := detection.TenantID(chi.URLParam(r, "tenant"))

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	actions, err := s.audit.ListModerationActions(r.Context(), tenant, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if actions == nil {
		actions = []detection.ModerationAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine_enabled": s.engine.Enabled(),
		"detectors":      s.engine.Stats(),
		"bus":            s.publisher.Stats(),
	})
}

// detectorStatus is one row of the detector listing.
type detectorStatus struct {
	Enabled bool                    `json:"enabled"`
	Stats   detection.DetectorStats `json:"stats"`
}

func (s *Server) handleListDetectors(w http.ResponseWriter, _ *http.Request) {
	out := make(map[detection.DetectorKind]detectorStatus)
	for kind, stats := range s.engine.Stats() {
		d, ok := s.engine.Detector(kind)
		if !ok {
			continue
		}
		out[kind] = detectorStatus{Enabled: d.Enabled(), Stats: stats}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfigureDetector(w http.ResponseWriter, r *http.Request) {
	kind := detection.DetectorKind(chi.URLParam(r, "kind"))
	if _, ok := s.engine.Detector(kind); !ok {
		writeError(w, http.StatusNotFound, "unknown detector")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.engine.Configure(kind, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *Server) handleToggleDetector(w http.ResponseWriter, r *http.Request) {
	kind := detection.DetectorKind(chi.URLParam(r, "kind"))

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.SetDetectorEnabled(kind, *req.Enabled); err != nil {
		writeError(w, http.StatusNotFound, "unknown detector")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}
