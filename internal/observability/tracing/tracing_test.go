package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestGinMiddlewareRecordsServerSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	r := gin.New()
	r.Use(GinMiddleware())
	r.POST("/api/ingest", func(c *gin.Context) {
		c.Set("device_id", "abcdef12")
		_ = c.Error(errors.New("db down"))
		c.Status(http.StatusServiceUnavailable)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/ingest", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP POST /api/ingest", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("clawtrace.device_id", "abcdef12"))
	assert.Len(t, spans[0].Events(), 1)
}

func TestSafeHelpers(t *testing.T) {
	attrs := SafeAttributes(attribute.String("authorization", "Bearer x"), attribute.Int("http.status_code", 200))
	assert.Len(t, attrs, 1)

	assert.Nil(t, SafeError(nil))
	assert.EqualError(t, SafeError(errors.New("invalid Bearer token abc")), "redacted error")
	assert.EqualError(t, SafeError(errors.New("timeout")), "timeout")
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(nil, Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}
