package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/aggregate"
	"github.com/smallbiznis/clawtrace/internal/alert"
	"github.com/smallbiznis/clawtrace/internal/anomaly"
	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/store"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const (
	defaultCostRange = 7
	maxCostRange     = 365
	defaultTopN      = 5
	maxTopN          = 100

	// alertLookback bounds the events read for one alert evaluation; it
	// covers today and sessions that started before midnight.
	alertLookback = 48 * time.Hour
)

// LocalModule serves the read-only local API on settings.server_port.
var LocalModule = fx.Module("http.local",
	fx.Provide(NewEngine),
	fx.Provide(NewLocalServer),
	fx.Invoke(func(lc fx.Lifecycle, settings *config.SettingsHolder, s *LocalServer, log *zap.Logger) {
		run(lc, fmt.Sprintf("127.0.0.1:%d", settings.Get().ServerPort), s.Engine(), log)
	}),
)

type LocalServer struct {
	engine   *gin.Engine
	store    *store.Store
	settings *config.SettingsHolder
	clock    clock.Clock
	tracker  *alert.Tracker
	loc      *time.Location
	log      *zap.Logger
}

type LocalParams struct {
	fx.In

	Engine   *gin.Engine
	Store    *store.Store
	Settings *config.SettingsHolder
	Clock    clock.Clock
	Log      *zap.Logger
}

func NewLocalServer(p LocalParams) *LocalServer {
	s := &LocalServer{
		engine:   p.Engine,
		store:    p.Store,
		settings: p.Settings,
		clock:    p.Clock,
		tracker:  alert.NewTracker(),
		loc:      time.Local,
		log:      p.Log.Named("http.local"),
	}
	s.registerRoutes()
	return s
}

func (s *LocalServer) Engine() *gin.Engine { return s.engine }

func (s *LocalServer) registerRoutes() {
	api := s.engine.Group("/api", cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Accept", "X-Request-Id"},
		MaxAge:          12 * time.Hour,
	}))

	api.GET("/health", s.Health)
	api.GET("/summary", s.Summary)
	api.GET("/costs", s.Costs)
	api.GET("/models", s.Models)
	api.GET("/projects", s.Projects)
	api.GET("/tools", s.Tools)
	api.GET("/sessions", s.Sessions)
	api.GET("/anomalies", s.Anomalies)
	api.GET("/alerts", s.Alerts)
}

func (s *LocalServer) scope() aggregate.Scope {
	return aggregate.Scope{Location: s.loc, Now: s.clock.Now()}
}

func (s *LocalServer) Health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		s.log.Warn("store health check failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *LocalServer) Summary(c *gin.Context) {
	scope := s.scope()
	from, to := scope.Today()
	events, err := s.store.Range(c.Request.Context(), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, aggregate.Summarize(events, scope))
}

// Costs accepts range=<N>d (or a bare N); anything unparsable is rejected
// rather than silently defaulted.
func (s *LocalServer) Costs(c *gin.Context) {
	days := defaultCostRange
	if raw := strings.TrimSpace(c.Query("range")); raw != "" {
		n, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || n < 1 {
			AbortWithError(c, newValidationError("range", "invalid_range", "range must look like 7d"))
			return
		}
		days = min(n, maxCostRange)
	}

	scope := s.scope()
	from, to := scope.Window(days)
	events, err := s.store.Range(c.Request.Context(), from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, aggregate.Timeseries(events, scope, days))
}

func (s *LocalServer) Models(c *gin.Context) {
	s.breakdown(c, aggregate.ByModel)
}

func (s *LocalServer) Projects(c *gin.Context) {
	s.breakdown(c, aggregate.ByProject)
}

func (s *LocalServer) Tools(c *gin.Context) {
	s.breakdown(c, aggregate.ByTool)
}

func (s *LocalServer) breakdown(c *gin.Context, fn func([]usagedomain.UsageEvent) []aggregate.Breakdown) {
	events, err := s.store.All(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	out := fn(events)
	if out == nil {
		out = []aggregate.Breakdown{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *LocalServer) Sessions(c *gin.Context) {
	n := defaultTopN
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			AbortWithError(c, newValidationError("n", "invalid_n", "n must be a positive integer"))
			return
		}
		n = min(v, maxTopN)
	}

	events, err := s.store.All(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	out := aggregate.TopSessions(events, n)
	if out == nil {
		out = []aggregate.SessionTotal{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *LocalServer) Anomalies(c *gin.Context) {
	events, err := s.store.All(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	settings := s.settings.Get()
	c.JSON(http.StatusOK, anomaly.Analyze(events, s.scope(), settings.AnomalyWindow, settings.AnomalyThreshold))
}

// Alerts evaluates the configured thresholds now. State transitions are
// kept in memory for the life of the process and logged once.
func (s *LocalServer) Alerts(c *gin.Context) {
	scope := s.scope()
	events, err := s.store.Range(c.Request.Context(), scope.Now.Add(-alertLookback), time.Time{})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	statuses := alert.Evaluate(s.settings.Get().Alerts, aggregate.AlertSnapshot(events, scope))
	statuses, transitions := s.tracker.Observe(scope.Now, statuses)
	for _, tr := range transitions {
		s.log.Info("alert state changed",
			zap.String("kind", string(tr.Kind)),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("message", tr.Status.Message),
		)
	}

	count := 0
	for _, st := range statuses {
		if st.Triggered() {
			count++
		}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": statuses, "count": count})
}
