// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

// RemoteAPI is the authoritative apply surface the engine drains against.
// The implementation must absorb duplicate deliveries of the same
// idempotency key (the engine is at-least-once).
//
// userID is passed for symmetry and fakes; the HTTP implementation derives
// identity from the bearer token.
type RemoteAPI interface {
	ApplyActivity(ctx context.Context, userID string, req *stridesync.ApplyActivityRequest) (*stridesync.ApplyActivityResponse, error)
	ApplyXPGrant(ctx context.Context, userID string, req *stridesync.ApplyXPGrantRequest) (*stridesync.ApplyXPGrantResponse, error)
	ApplyQuestProgress(ctx context.Context, userID string, req *stridesync.ApplyQuestProgressRequest) (*stridesync.ApplyQuestProgressResponse, error)
	SetProfileField(ctx context.Context, userID string, req *stridesync.SetProfileFieldRequest) (*stridesync.SetProfileFieldResponse, error)
	FetchSnapshot(ctx context.Context, userID string) (*stridesync.PlayerSnapshot, error)
}

// HTTPRemote talks to the apply server over JSON/HTTP with a bearer token.
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewHTTPRemote creates an HTTP remote with a sane default client. Per-call
// deadlines come from the orchestrator's context, the client timeout is just
// a backstop.
func NewHTTPRemote(baseURL string, token func(context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := r.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		// Transport-level failure: unreachable, DNS, timeout.
		return &TransientNetworkError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classifyHTTPError sorts non-200 responses into the engine's taxonomy:
// 5xx and 429 are transient, everything else is a permanent rejection.
func classifyHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientNetworkError{
			Cause: fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw)),
		}
	}

	var errResp stridesync.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err != nil || errResp.Message == "" {
		return &RemoteValidationError{Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(raw))}
	}
	return &RemoteValidationError{Reason: errResp.Reason, Message: errResp.Message}
}

func (r *HTTPRemote) ApplyActivity(ctx context.Context, _ string, req *stridesync.ApplyActivityRequest) (*stridesync.ApplyActivityResponse, error) {
	var resp stridesync.ApplyActivityResponse
	if err := r.do(ctx, http.MethodPost, "/sync/activity", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) ApplyXPGrant(ctx context.Context, _ string, req *stridesync.ApplyXPGrantRequest) (*stridesync.ApplyXPGrantResponse, error) {
	var resp stridesync.ApplyXPGrantResponse
	if err := r.do(ctx, http.MethodPost, "/sync/xp", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) ApplyQuestProgress(ctx context.Context, _ string, req *stridesync.ApplyQuestProgressRequest) (*stridesync.ApplyQuestProgressResponse, error) {
	var resp stridesync.ApplyQuestProgressResponse
	if err := r.do(ctx, http.MethodPost, "/sync/quest-progress", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) SetProfileField(ctx context.Context, _ string, req *stridesync.SetProfileFieldRequest) (*stridesync.SetProfileFieldResponse, error) {
	var resp stridesync.SetProfileFieldResponse
	if err := r.do(ctx, http.MethodPost, "/sync/profile-field", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *HTTPRemote) FetchSnapshot(ctx context.Context, _ string) (*stridesync.PlayerSnapshot, error) {
	var snap stridesync.PlayerSnapshot
	if err := r.do(ctx, http.MethodGet, "/sync/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
