package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/clawtrace/internal/alert"
	registrydomain "github.com/smallbiznis/clawtrace/internal/registry/domain"
	"github.com/smallbiznis/clawtrace/internal/store"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
		code   string
	}{
		{"validation errors", newValidationError("days", "invalid_days", "bad"), http.StatusBadRequest, "validation_error", "invalid_days"},
		{"wrapped sentinel", fmt.Errorf("%w: event 3", registrydomain.ErrInvalidEvent), http.StatusBadRequest, "validation_error", "invalid_event"},
		{"alert kind", alert.ErrInvalidKind, http.StatusBadRequest, "validation_error", alert.ErrInvalidKind.Error()},
		{"tier", registrydomain.ErrTierExceeded, http.StatusForbidden, "tier_exceeded", "tier_exceeded"},
		{"bad secret", registrydomain.ErrInvalidSecret, http.StatusUnauthorized, "unauthorized", "unauthorized"},
		{"forbidden", ErrForbidden, http.StatusForbidden, "forbidden", "forbidden"},
		{"payment reference", registrydomain.ErrInvalidPaymentReference, http.StatusBadRequest, "validation_error", "invalid_payment_reference"},
		{"missing device", registrydomain.ErrDeviceNotFound, http.StatusNotFound, "not_found", "not_found"},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "rate_limited"},
		{"store down", fmt.Errorf("%w: disk full", store.ErrUnavailable), http.StatusServiceUnavailable, "service_unavailable", "service_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error", "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload := mapError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.typ, payload.Type)

			typ, code := classifyErrorForLog(tt.err)
			assert.Equal(t, tt.typ, typ)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestMapErrorTierDetail(t *testing.T) {
	err := &registrydomain.TierExceededError{
		Tier:            registrydomain.TierFree,
		AllowedProjects: []string{"api"},
		Rejected:        []usagedomain.Rejection{{Project: "web", Events: 1, Reason: "project_limit"}},
	}
	status, payload := mapError(fmt.Errorf("ingest: %w", err))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, []string{"api"}, payload.AllowedProjects)
	assert.Len(t, payload.Rejected, 1)
}

func TestErrorHandlingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	r.GET("/fail", func(c *gin.Context) {
		AbortWithError(c, registrydomain.ErrEmptyBatch)
	})
	r.GET("/ok", func(c *gin.Context) {
		AbortWithError(c, nil)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, ValidationError{Field: "events", Code: "empty_batch", Message: "empty_batch"}, payload.Errors[0])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
