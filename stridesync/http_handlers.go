// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPHandlers provides the HTTP surface for the apply API
type HTTPHandlers struct {
	service       *Service
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of apply API handlers
func NewHTTPHandlers(service *Service, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register attaches all apply API routes to the mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sync/activity", h.HandleApplyActivity)
	mux.HandleFunc("/sync/xp", h.HandleApplyXPGrant)
	mux.HandleFunc("/sync/quest-progress", h.HandleApplyQuestProgress)
	mux.HandleFunc("/sync/profile-field", h.HandleSetProfileField)
	mux.HandleFunc("/sync/snapshot", h.HandleFetchSnapshot)
}

func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error(), "")
		return "", false
	}
	return userID, true
}

// HandleApplyActivity processes POST /sync/activity
func (h *HTTPHandlers) HandleApplyActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", "")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req ApplyActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse activity request", ReasonBadPayload)
		return
	}

	resp, err := h.service.ApplyActivity(r.Context(), userID, &req)
	if err != nil {
		h.writeServiceError(w, r, "apply_activity", userID, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleApplyXPGrant processes POST /sync/xp
func (h *HTTPHandlers) HandleApplyXPGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", "")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req ApplyXPGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse xp grant request", ReasonBadPayload)
		return
	}

	resp, err := h.service.ApplyXPGrant(r.Context(), userID, &req)
	if err != nil {
		h.writeServiceError(w, r, "apply_xp_grant", userID, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleApplyQuestProgress processes POST /sync/quest-progress
func (h *HTTPHandlers) HandleApplyQuestProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", "")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req ApplyQuestProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse quest progress request", ReasonBadPayload)
		return
	}

	resp, err := h.service.ApplyQuestProgress(r.Context(), userID, &req)
	if err != nil {
		h.writeServiceError(w, r, "apply_quest_progress", userID, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleSetProfileField processes POST /sync/profile-field
func (h *HTTPHandlers) HandleSetProfileField(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed", "")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req SetProfileFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse profile field request", ReasonBadPayload)
		return
	}

	resp, err := h.service.SetProfileField(r.Context(), userID, &req)
	if err != nil {
		h.writeServiceError(w, r, "set_profile_field", userID, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleFetchSnapshot processes GET /sync/snapshot
func (h *HTTPHandlers) HandleFetchSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed", "")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	snap, err := h.service.FetchSnapshot(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, "fetch_snapshot", userID, err)
		return
	}
	h.writeJSON(w, snap)
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, op, userID string, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		h.writeError(w, http.StatusUnprocessableEntity, "validation_failed", verr.Message, verr.Reason)
		return
	}
	h.logger.Error("Failed to process apply request", "op", op, "user_id", userID, "error", err)
	h.writeError(w, http.StatusInternalServerError, "apply_failed", "Failed to process request", ReasonInternalError)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message, Reason: reason})
}
