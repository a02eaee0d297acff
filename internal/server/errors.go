package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/clawtrace/internal/alert"
	registrydomain "github.com/smallbiznis/clawtrace/internal/registry/domain"
	"github.com/smallbiznis/clawtrace/internal/store"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`

	// Set only for tier_exceeded.
	Rejected        []usagedomain.Rejection `json:"rejected,omitempty"`
	AllowedProjects []string                `json:"allowed_projects,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{{Field: field, Code: code, Message: message}},
	}
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code, ok := validationCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   validationErrorField(code),
				Code:    code,
				Message: validationMessage(err),
			}},
		}
	}

	var tierErr *registrydomain.TierExceededError
	switch {
	case errors.As(err, &tierErr):
		return http.StatusForbidden, errorPayload{
			Type:            "tier_exceeded",
			Message:         tierErr.Error(),
			Rejected:        tierErr.Rejected,
			AllowedProjects: tierErr.AllowedProjects,
		}
	case errors.Is(err, registrydomain.ErrTierExceeded):
		return http.StatusForbidden, errorPayload{Type: "tier_exceeded", Message: "tier limit exceeded"}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, registrydomain.ErrInvalidSecret):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, registrydomain.ErrDeviceNotFound),
		errors.Is(err, registrydomain.ErrOverrideNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationSentinels = []error{
	ErrInvalidRequest,
	registrydomain.ErrInvalidDeviceID,
	registrydomain.ErrEmptyBatch,
	registrydomain.ErrBatchTooLarge,
	registrydomain.ErrInvalidEvent,
	registrydomain.ErrInvalidTier,
	registrydomain.ErrInvalidPaymentReference,
	registrydomain.ErrInvalidPattern,
	registrydomain.ErrInvalidRates,
	alert.ErrInvalidKind,
	alert.ErrInvalidThreshold,
}

func validationCode(err error) (string, bool) {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error(), true
		}
	}
	return "", false
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "empty_batch", "batch_too_large", "invalid_event":
		return "events"
	}
	return strings.TrimPrefix(code, "invalid_")
}

// validationMessage carries the wrapped detail, e.g. which event failed.
func validationMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "invalid value"
}

// classifyErrorForLog feeds error_type/error_code into the request log.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
