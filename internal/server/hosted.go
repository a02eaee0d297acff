package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/device"
	obscontext "github.com/smallbiznis/clawtrace/internal/observability/context"
	obslogger "github.com/smallbiznis/clawtrace/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clawtrace/internal/observability/metrics"
	"github.com/smallbiznis/clawtrace/internal/ratelimit"
	registrydomain "github.com/smallbiznis/clawtrace/internal/registry/domain"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const (
	contextPrincipalKey = "principal"

	endpointRegister = "register"
	endpointIngest   = "ingest"
)

type HostedServer struct {
	engine  *gin.Engine
	svc     registrydomain.Service
	limiter *ratelimit.Limiter
	metrics *obsmetrics.Metrics
	log     *zap.Logger

	claimKeyHash string
}

type HostedParams struct {
	fx.In

	Engine   *gin.Engine
	Registry registrydomain.Service
	Config   config.Config
	Log      *zap.Logger
	Limiter  *ratelimit.Limiter  `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

func NewHostedServer(p HostedParams) *HostedServer {
	s := &HostedServer{
		engine:  p.Engine,
		svc:     p.Registry,
		limiter: p.Limiter,
		metrics: p.Metrics,
		log:     p.Log.Named("http.hosted"),
	}
	if key := strings.TrimSpace(p.Config.ClaimAPIKey); key != "" {
		s.claimKeyHash = hashClaimKey(key)
	}
	s.registerRoutes()
	return s
}

func (s *HostedServer) Engine() *gin.Engine { return s.engine }

func (s *HostedServer) registerRoutes() {
	s.engine.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/d/:device_id", s.Dashboard)

	api := s.engine.Group("/api")

	api.POST("/register", s.RegisterRateLimit(), s.Register)
	api.POST("/ingest", s.Ingest)
	api.POST("/claim", s.ClaimKeyRequired(), s.Claim)
	api.GET("/community", s.Community)

	dev := api.Group("", s.DeviceAuthRequired())
	{
		dev.POST("/resync/:device_id", s.Resync)
		dev.GET("/stats/:device_id", s.Stats)
		dev.GET("/optimize/:device_id", s.Optimize)

		dev.GET("/alerts/:device_id", s.Alerts)
		dev.GET("/alerts/:device_id/config", s.AlertConfig)
		dev.POST("/alerts/:device_id/config", s.SetAlertConfig)

		dev.GET("/pricing/:device_id/config", s.PricingConfig)
		dev.POST("/pricing/:device_id/config", s.SetPricingOverride)
		dev.DELETE("/pricing/:device_id/config", s.DeletePricingOverride)
		dev.POST("/pricing/:device_id/recalculate", s.Recalculate)
		dev.GET("/pricing/:device_id/models", s.Models)
	}
}

// DeviceAuthRequired authenticates the device named by the :device_id path
// parameter against the bearer secret.
func (s *HostedServer) DeviceAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.authenticate(c, c.Param("device_id")); !ok {
			return
		}
		c.Next()
	}
}

// authenticate aborts the request and returns false on failure.
func (s *HostedServer) authenticate(c *gin.Context, deviceID string) (registrydomain.Principal, bool) {
	deviceID = strings.ToLower(strings.TrimSpace(deviceID))
	if !device.ValidID(deviceID) {
		AbortWithError(c, registrydomain.ErrInvalidDeviceID)
		return registrydomain.Principal{}, false
	}
	secret, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return registrydomain.Principal{}, false
	}

	p, err := s.svc.Authenticate(c.Request.Context(), deviceID, secret)
	if err != nil {
		AbortWithError(c, err)
		return registrydomain.Principal{}, false
	}

	c.Set(obslogger.DeviceIDKey, p.DeviceID)
	c.Set(contextPrincipalKey, p)
	c.Request = c.Request.WithContext(obscontext.WithDeviceID(c.Request.Context(), p.DeviceID))
	return p, true
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func principal(c *gin.Context) registrydomain.Principal {
	p, _ := c.Get(contextPrincipalKey)
	out, _ := p.(registrydomain.Principal)
	return out
}

// RegisterRateLimit throttles anonymous registrations per client address.
func (s *HostedServer) RegisterRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.allow(c, endpointRegister, func(ctx context.Context) (ratelimit.Result, error) {
			return s.limiter.AllowRegister(ctx, c.ClientIP())
		}) {
			return
		}
		c.Next()
	}
}

func (s *HostedServer) allowIngest(c *gin.Context, deviceID string) bool {
	return s.allow(c, endpointIngest, func(ctx context.Context) (ratelimit.Result, error) {
		return s.limiter.AllowIngest(ctx, deviceID)
	})
}

// allow aborts with 429 (or 503 when the limiter itself fails) and returns
// false when the request must not proceed.
func (s *HostedServer) allow(c *gin.Context, endpoint string, check func(context.Context) (ratelimit.Result, error)) bool {
	if !s.limiter.Enabled() {
		return true
	}
	ctx := c.Request.Context()
	res, err := check(ctx)
	if err != nil {
		obslogger.WithContext(ctx, s.log).Warn("rate limit check failed", zap.String("endpoint", endpoint), zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return false
	}
	if res.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	}
	if !res.Allowed {
		s.metrics.RecordRateLimitDenied(ctx, endpoint, "rate_limited")
		obslogger.WithContext(ctx, s.log).Warn("rate limit exceeded", zap.String("endpoint", endpoint))
		c.Header("Retry-After", strconv.Itoa(max(1, int(math.Ceil(res.RetryAfter.Seconds())))))
		AbortWithError(c, ErrRateLimited)
		return false
	}
	s.metrics.RecordRateLimitAllowed(ctx, endpoint)
	return true
}

func (s *HostedServer) Register(c *gin.Context) {
	resp, err := s.svc.Register(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HostedServer) Ingest(c *gin.Context) {
	var req usagedomain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	p, ok := s.authenticate(c, req.DeviceID)
	if !ok || !s.allowIngest(c, p.DeviceID) {
		return
	}

	ack, err := s.svc.Ingest(c.Request.Context(), p.DeviceID, req.Events)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *HostedServer) Resync(c *gin.Context) {
	p := principal(c)
	var req usagedomain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.DeviceID != "" && !strings.EqualFold(req.DeviceID, p.DeviceID) {
		AbortWithError(c, newValidationError("device_id", "device_id_mismatch", "body device_id does not match path"))
		return
	}
	if !s.allowIngest(c, p.DeviceID) {
		return
	}

	ack, err := s.svc.Resync(c.Request.Context(), p.DeviceID, req.Events)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *HostedServer) Claim(c *gin.Context) {
	var req usagedomain.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	resp, err := s.svc.Claim(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HostedServer) Stats(c *gin.Context) {
	days, ok := queryDays(c)
	if !ok {
		return
	}

	stats, err := s.svc.Stats(c.Request.Context(), principal(c).DeviceID, days)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *HostedServer) Optimize(c *gin.Context) {
	days, ok := queryDays(c)
	if !ok {
		return
	}

	resp, err := s.svc.Optimize(c.Request.Context(), principal(c).DeviceID, days)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// queryDays reads ?days=, 0 when absent. It aborts on a non-integer value.
func queryDays(c *gin.Context) (int, bool) {
	raw := c.Query("days")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		AbortWithError(c, newValidationError("days", "invalid_days", "days must be an integer"))
		return 0, false
	}
	return n, true
}

func (s *HostedServer) Alerts(c *gin.Context) {
	resp, err := s.svc.Alerts(c.Request.Context(), principal(c).DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HostedServer) AlertConfig(c *gin.Context) {
	resp, err := s.svc.AlertConfig(c.Request.Context(), principal(c).DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HostedServer) SetAlertConfig(c *gin.Context) {
	var req registrydomain.AlertConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	resp, err := s.svc.SetAlertConfig(c.Request.Context(), principal(c).DeviceID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HostedServer) PricingConfig(c *gin.Context) {
	resp, err := s.svc.PricingConfig(c.Request.Context(), principal(c).DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HostedServer) SetPricingOverride(c *gin.Context) {
	var req registrydomain.PricingOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.svc.SetPricingOverride(c.Request.Context(), principal(c).DeviceID, req); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *HostedServer) DeletePricingOverride(c *gin.Context) {
	var req registrydomain.PricingOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.svc.DeletePricingOverride(c.Request.Context(), principal(c).DeviceID, req); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *HostedServer) Recalculate(c *gin.Context) {
	resp, err := s.svc.Recalculate(c.Request.Context(), principal(c).DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HostedServer) Models(c *gin.Context) {
	resp, err := s.svc.Models(c.Request.Context(), principal(c).DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HostedServer) Community(c *gin.Context) {
	resp, err := s.svc.Community(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Dashboard serves the static device page. The secret travels in the URL
// fragment and never reaches the server; the page calls /api/stats itself.
func (s *HostedServer) Dashboard(c *gin.Context) {
	if !device.ValidID(strings.ToLower(c.Param("device_id"))) {
		AbortWithError(c, registrydomain.ErrInvalidDeviceID)
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Referrer-Policy", "no-referrer")
	c.Data(http.StatusOK, "text/html; charset=utf-8", dashboardHTML)
}
