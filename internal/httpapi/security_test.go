package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/service"
	"tillcore/backend/internal/store"
)

func TestSecurityHeadersPresent(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	expected := map[string]string{
		"X-Content-Type-Options":     "nosniff",
		"X-Frame-Options":            "DENY",
		"Referrer-Policy":            "strict-origin-when-cross-origin",
		"Cross-Origin-Opener-Policy": "same-origin",
	}
	for header, value := range expected {
		assert.Equal(t, value, rec.Header().Get(header), header)
	}
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestLoginRateLimit(t *testing.T) {
	h := newTestAPI(t).Handler()

	for i := 0; i < 5; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrong"})
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestManagerPINRateLimit(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")

	counted := int64(0)
	req := domain.SessionCloseRequest{CountedCashCents: &counted, Override: true, ManagerPIN: "000000"}
	for i := 0; i < 8; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions/ses_any/close", cashier, req)
		require.Equal(t, http.StatusForbidden, rec.Code, "attempt %d", i+1)
	}

	req.ManagerPIN = "123456"
	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions/ses_any/close", cashier, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAttemptLimiterRefills(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	limiter := newAttemptLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))

	now = now.Add(30 * time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))

	now = now.Add(5 * time.Minute)
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.Len(t, limiter.entries, 1)
}

func TestClientKey(t *testing.T) {
	cases := map[string]string{
		"192.0.2.1:1234":   "192.0.2.1",
		"[2001:db8::1]:80": "2001:db8::1",
		"":                 "unknown",
		"host-only":        "host-only",
	}
	for remote, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		assert.Equal(t, want, clientKey(req), remote)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	h := newTestAPI(t).Handler()

	oversized := bytes.Repeat([]byte("a"), maxBodyBytes+10)
	payload := fmt.Sprintf(`{"username":"admin","password":"%s"}`, oversized)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body too large")
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", cashier, map[string]any{"register_id": "reg_main", "float": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidationErrorsNameFields(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", cashier, map[string]any{"opening_float_cents": 100})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(domain.CodeInvalidInput), body.Code)
	assert.Equal(t, "required", body.Details["RegisterID"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/healthz", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWriteServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		retryAfter bool
	}{
		{"validation", domain.NewError(domain.CodeInvalidAmount, "bad", nil), http.StatusBadRequest, false},
		{"state", domain.ErrSessionClosed, http.StatusConflict, false},
		{"refund", domain.ErrOverRefund, http.StatusConflict, false},
		{"reconciliation", domain.NewError(domain.CodeDifferenceRequiresConfirmation, "", nil), http.StatusPreconditionRequired, false},
		{"read model", domain.ErrReadModelUnavailable, http.StatusServiceUnavailable, true},
		{"forbidden", service.ErrForbidden, http.StatusForbidden, false},
		{"not found", fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound, false},
		{"conflict", store.ErrConflict, http.StatusConflict, false},
		{"store unavailable", store.ErrUnavailable, http.StatusServiceUnavailable, true},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, tc.err)
			assert.Equal(t, tc.status, rec.Code)
			if tc.retryAfter {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, rec.Header().Get("Retry-After"))
			}
			assert.NotContains(t, rec.Body.String(), "boom")
		})
	}
}

func TestParsePositiveLimit(t *testing.T) {
	assert.Equal(t, 100, parsePositiveLimit("", 100, 500))
	assert.Equal(t, 100, parsePositiveLimit("-1", 100, 500))
	assert.Equal(t, 100, parsePositiveLimit("abc", 100, 500))
	assert.Equal(t, 42, parsePositiveLimit("42", 100, 500))
	assert.Equal(t, 500, parsePositiveLimit("9999", 100, 500))
}
