package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/observability"
	"github.com/smallbiznis/clawtrace/internal/optimize"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/ratelimit"
	registrydomain "github.com/smallbiznis/clawtrace/internal/registry/domain"
	"github.com/smallbiznis/clawtrace/internal/registry/repository"
	"github.com/smallbiznis/clawtrace/internal/registry/service"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
	"github.com/smallbiznis/clawtrace/pkg/db"
)

var hostedNow = time.Date(2026, 3, 12, 15, 30, 0, 0, time.UTC)

type hostedFixture struct {
	srv *HostedServer
	svc registrydomain.Service
}

func newHostedFixture(t *testing.T, cfg config.Config) hostedFixture {
	t.Helper()
	conn := db.NewTest(t)
	require.NoError(t, conn.AutoMigrate(registrydomain.AllModels()...))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg.PublicBaseURL = "https://clawtrace.test"
	svc := service.New(service.Params{
		DB:      conn,
		Log:     zap.NewNop(),
		Config:  cfg,
		GenID:   node,
		Repo:    repository.Provide(),
		Clock:   clock.NewFakeClock(hostedNow),
		Pricing: pricing.DefaultTable(),
	})
	srv := NewHostedServer(HostedParams{
		Engine:   NewEngine(observability.Config{Environment: "test"}, nil),
		Registry: svc,
		Config:   cfg,
		Log:      zap.NewNop(),
		Limiter:  ratelimit.NewLimiter(cfg, nil),
	})
	return hostedFixture{srv: srv, svc: svc}
}

func (f hostedFixture) do(t *testing.T, method, path, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	w := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(w, req)
	return w
}

func (f hostedFixture) claim(t *testing.T, key string, body usagedomain.ClaimRequest) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/api/claim", &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(usagedomain.HeaderClaimKey, key)
	}
	w := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(w, req)
	return w
}

func (f hostedFixture) register(t *testing.T) usagedomain.RegisterResponse {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/register", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp usagedomain.RegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func event(session, project string, at time.Time) usagedomain.UsageEvent {
	return usagedomain.UsageEvent{
		Timestamp:    at,
		SessionID:    session,
		Project:      project,
		Model:        "claude-sonnet-4-5",
		Provider:     "anthropic",
		InputTokens:  1000,
		OutputTokens: 500,
		SourceFormat: usagedomain.SourceClaudeCode,
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Error
}

func TestHostedRegister(t *testing.T) {
	f := newHostedFixture(t, config.Config{})
	resp := f.register(t)

	assert.Len(t, resp.DeviceID, 32)
	assert.Len(t, resp.DeviceSecret, 64)
	assert.Equal(t, "free", resp.Tier)
	assert.Equal(t, "https://clawtrace.test/d/"+resp.DeviceID+"#"+resp.DeviceSecret, resp.DashboardURL)
}

func TestHostedIngestAuth(t *testing.T) {
	f := newHostedFixture(t, config.Config{})
	dev := f.register(t)
	body := usagedomain.IngestRequest{
		DeviceID: dev.DeviceID,
		Events:   []usagedomain.UsageEvent{event("s1", "api", hostedNow.Add(-time.Hour))},
	}

	tests := []struct {
		name   string
		secret string
		body   any
		status int
		typ    string
	}{
		{"missing bearer", "", body, http.StatusUnauthorized, "unauthorized"},
		{"wrong secret", strings.Repeat("a", 64), body, http.StatusUnauthorized, "unauthorized"},
		{"bad device id", dev.DeviceSecret, usagedomain.IngestRequest{DeviceID: "XYZ", Events: body.Events}, http.StatusBadRequest, "validation_error"},
		{"malformed body", dev.DeviceSecret, "not an object", http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/ingest", tt.secret, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.typ, decodeError(t, w).Type)
		})
	}
}

func TestHostedIngestIsIdempotent(t *testing.T) {
	f := newHostedFixture(t, config.Config{})
	dev := f.register(t)
	body := usagedomain.IngestRequest{
		DeviceID: dev.DeviceID,
		Events: []usagedomain.UsageEvent{
			event("s1", "api", hostedNow.Add(-2*time.Hour)),
			event("s1", "api", hostedNow.Add(-time.Hour)),
		},
	}

	var ack usagedomain.IngestAck
	w := f.do(t, http.MethodPost, "/api/ingest", dev.DeviceSecret, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, 2, ack.Accepted)
	assert.NotEmpty(t, ack.BatchID)

	w = f.do(t, http.MethodPost, "/api/resync/"+dev.DeviceID, dev.DeviceSecret, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, 0, ack.Accepted)
	assert.Equal(t, 2, ack.Duplicates)

	w = f.do(t, http.MethodGet, "/api/stats/"+dev.DeviceID+"?days=7", dev.DeviceSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats registrydomain.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 2, stats.Requests)
	assert.InDelta(t, 0.021, stats.CostUSD, 1e-9)
}

func TestHostedIngestValidation(t *testing.T) {
	f := newHostedFixture(t, config.Config{})
	dev := f.register(t)

	w := f.do(t, http.MethodPost, "/api/ingest", dev.DeviceSecret, usagedomain.IngestRequest{DeviceID: dev.DeviceID})
	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "empty_batch", payload.Errors[0].Code)
	assert.Equal(t, "events", payload.Errors[0].Field)

	w = f.do(t, http.MethodPost, "/api/resync/"+dev.DeviceID, dev.DeviceSecret, usagedomain.IngestRequest{
		DeviceID: "ffffffffffffffff",
		Events:   []usagedomain.UsageEvent{event("s1", "api", hostedNow)},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "device_id_mismatch", decodeError(t, w).Errors[0].Code)
}

func TestHostedTierExceeded(t *testing.T) {
	f := newHostedFixture(t, config.Config{})
	dev := f.register(t)

	w := f.do(t, http.MethodPost, "/api/ingest", dev.DeviceSecret, usagedomain.IngestRequest{
		DeviceID: dev.DeviceID,
		Events:   []usagedomain.UsageEvent{event("s1", "api", hostedNow.Add(-time.Hour))},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/ingest", dev.DeviceSecret, usagedomain.IngestRequest{
		DeviceID: dev.DeviceID,
		Events: []usagedomain.UsageEvent{
			event("s2", "web", hostedNow.Add(-time.Hour)),
			event("s3", "web", hostedNow.Add(-time.Minute)),
		},
	})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	payload := decodeError(t, w)
	assert.Equal(t, "tier_exceeded", payload.Type)
	assert.Equal(t, []string{"api"}, payload.AllowedProjects)
	require.Len(t, payload.Rejected, 1)
	assert.Equal(t, usagedomain.Rejection{Project: "web", Events: 2, Reason: "project_limit"}, payload.Rejected[0])
}

const operatorKey = "op_test_key"

func TestHostedClaimUnlocksAlerts(t *testing.T) {
	f := newHostedFixture(t, config.Config{ClaimAPIKey: operatorKey})
	dev := f.register(t)

	w := f.do(t, http.MethodGet, "/api/alerts/"+dev.DeviceID, dev.DeviceSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var alerts registrydomain.AlertsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	assert.True(t, alerts.TierLimited)

	w = f.claim(t, operatorKey, usagedomain.ClaimRequest{
		DeviceID: dev.DeviceID, Tier: "pro", PaymentReference: "pi_123",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var claim usagedomain.ClaimResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claim))
	assert.True(t, claim.Changed)

	w = f.do(t, http.MethodGet, "/api/alerts/"+dev.DeviceID, dev.DeviceSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	alerts = registrydomain.AlertsResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	assert.False(t, alerts.TierLimited)
	assert.NotEmpty(t, alerts.Alerts)

	w = f.claim(t, operatorKey, usagedomain.ClaimRequest{DeviceID: dev.DeviceID, Tier: "free", PaymentReference: "pi_123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHostedClaimRequiresOperatorKey(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		presented  string
		paymentRef string
		wantStatus int
		wantType   string
	}{
		{"device secret only", operatorKey, "", "pi_1", http.StatusUnauthorized, "unauthorized"},
		{"wrong key", operatorKey, "op_guess", "pi_1", http.StatusUnauthorized, "unauthorized"},
		{"claims not configured", "", operatorKey, "pi_1", http.StatusForbidden, "forbidden"},
		{"missing payment reference", operatorKey, operatorKey, " ", http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHostedFixture(t, config.Config{ClaimAPIKey: tt.configured})
			dev := f.register(t)
			body := usagedomain.ClaimRequest{DeviceID: dev.DeviceID, Tier: "team", PaymentReference: tt.paymentRef}

			var w *httptest.ResponseRecorder
			if tt.presented == "" {
				w = f.do(t, http.MethodPost, "/api/claim", dev.DeviceSecret, body)
			} else {
				w = f.claim(t, tt.presented, body)
			}
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantType, decodeError(t, w).Type)

			p, err := f.svc.Authenticate(context.Background(), dev.DeviceID, dev.DeviceSecret)
			require.NoError(t, err)
			assert.Equal(t, registrydomain.TierFree, p.Tier)
		})
	}
}

func TestHostedAlertAndPricingConfig(t *testing.T) {
	f := newHostedFixture(t, config.Config{})
	dev := f.register(t)
	base := "/api/pricing/" + dev.DeviceID

	threshold := 25.0
	w := f.do(t, http.MethodPost, "/api/alerts/"+dev.DeviceID+"/config", dev.DeviceSecret, registrydomain.AlertConfigRequest{
		AlertType: "daily_budget", Threshold: &threshold,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/alerts/"+dev.DeviceID+"/config", dev.DeviceSecret, registrydomain.AlertConfigRequest{
		AlertType: "nope", Threshold: &threshold,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	override := registrydomain.PricingOverrideRequest{
		Model: "claude-sonnet-4-5",
		Rates: pricing.Rates{InputPer1K: 0.001, OutputPer1K: 0.002},
	}
	w = f.do(t, http.MethodPost, base+"/config", dev.DeviceSecret, override)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, base+"/config", dev.DeviceSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg registrydomain.PricingConfigResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	require.Len(t, cfg.Overrides, 1)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Overrides[0].Pattern)

	w = f.do(t, http.MethodPost, base+"/recalculate", dev.DeviceSecret, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodDelete, base+"/config", dev.DeviceSecret, override)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodDelete, base+"/config", dev.DeviceSecret, override)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHostedRegisterRateLimit(t *testing.T) {
	f := newHostedFixture(t, config.Config{RateLimit: config.RateLimitConfig{
		Enabled:       true,
		RegisterRate:  0.01,
		RegisterBurst: 1,
		IngestRate:    10,
		IngestBurst:   10,
	}})

	f.register(t)
	w := f.do(t, http.MethodPost, "/api/register", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decodeError(t, w).Type)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHostedDashboard(t *testing.T) {
	f := newHostedFixture(t, config.Config{})

	w := f.do(t, http.MethodGet, "/d/0123456789abcdef", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	assert.Contains(t, w.Body.String(), "/api/stats/")

	w = f.do(t, http.MethodGet, "/d/not-hex!", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHostedCommunity(t *testing.T) {
	f := newHostedFixture(t, config.Config{})
	dev := f.register(t)
	_, err := f.svc.Ingest(context.Background(), dev.DeviceID, []usagedomain.UsageEvent{event("s1", "api", hostedNow.Add(-time.Hour))})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/community", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats registrydomain.CommunityStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.ActiveDevices)
	assert.EqualValues(t, 1, stats.TotalEvents7d)
}

func TestHostedOptimize(t *testing.T) {
	f := newHostedFixture(t, config.Config{})
	dev := f.register(t)

	var batch []usagedomain.UsageEvent
	for i := 0; i < 3; i++ {
		ev := event(fmt.Sprintf("s%d", i), "api", hostedNow.Add(-time.Duration(i+1)*time.Hour))
		ev.Model = "claude-opus-4-1"
		ev.CostUSD = 5
		ev.CostReported = true
		batch = append(batch, ev)
	}
	_, err := f.svc.Ingest(context.Background(), dev.DeviceID, batch)
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/optimize/"+dev.DeviceID+"?days=30", dev.DeviceSecret, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp registrydomain.OptimizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Days)
	require.Len(t, resp.Suggestions, 1)
	assert.Equal(t, optimize.KindModelDowngrade, resp.Suggestions[0].Kind)
	assert.Equal(t, 12.0, resp.Suggestions[0].EstimatedSavings)
	assert.Equal(t, optimize.SeverityHigh, resp.Suggestions[0].Severity)

	w = f.do(t, http.MethodGet, "/api/optimize/"+dev.DeviceID+"?days=week", dev.DeviceSecret, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/optimize/"+dev.DeviceID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
