// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package stridesync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTGenerateAndValidate(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken("user-1", "device-A", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-A", claims.DeviceID)
	require.Equal(t, "stridequest", claims.Issuer)
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-1", "device-A", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTExpiredToken(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, err := auth.GenerateToken("user-1", "device-A", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTFromRequest(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("user-1", "device-A", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sync/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	userID, err := auth.GetUserID(req)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	deviceID, err := auth.GetDeviceID(req)
	require.NoError(t, err)
	require.Equal(t, "device-A", deviceID)

	// Missing and malformed headers are rejected
	bare := httptest.NewRequest(http.MethodGet, "/sync/snapshot", nil)
	_, err = auth.GetUserID(bare)
	require.Error(t, err)

	malformed := httptest.NewRequest(http.MethodGet, "/sync/snapshot", nil)
	malformed.Header.Set("Authorization", token)
	_, err = auth.GetUserID(malformed)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	auth := NewJWTAuth("test-secret")
	token, err := auth.GenerateToken("user-1", "device-A", time.Hour)
	require.NoError(t, err)

	var called bool
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	// Valid token passes through
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync/xp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)

	// Missing token is rejected before the handler
	called = false
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync/xp", nil))
	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
