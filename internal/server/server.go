package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/observability"
	obslogger "github.com/smallbiznis/clawtrace/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clawtrace/internal/observability/metrics"
	obstracing "github.com/smallbiznis/clawtrace/internal/observability/tracing"
)

// HostedModule serves the registry API. It expects the registry, rate
// limit and observability modules to be present in the graph.
var HostedModule = fx.Module("http.hosted",
	fx.Provide(NewEngine),
	fx.Provide(NewHostedServer),
	fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, s *HostedServer, log *zap.Logger) {
		run(lc, fmt.Sprintf(":%d", cfg.HostedPort), s.Engine(), log)
	}),
)

// NewEngine builds a gin engine with the shared middleware chain: recovery,
// request logging, tracing, HTTP metrics and error rendering.
func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware())
		r.GET("/metrics", gin.WrapH(httpMetrics.Handler()))
	}
	r.Use(ErrorHandlingMiddleware())
	return r
}

func run(lc fx.Lifecycle, addr string, handler http.Handler, log *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
