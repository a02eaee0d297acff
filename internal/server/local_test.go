package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/aggregate"
	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/observability"
	"github.com/smallbiznis/clawtrace/internal/store"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
	"github.com/smallbiznis/clawtrace/pkg/db"
)

var localNow = time.Date(2026, 3, 12, 15, 30, 0, 0, time.UTC)

func newLocalServer(t *testing.T, events ...usagedomain.UsageEvent) (*LocalServer, *store.Store) {
	t.Helper()
	st, err := store.New(db.NewTest(t), nil)
	require.NoError(t, err)
	if len(events) > 0 {
		_, err = st.Merge(context.Background(), events, nil)
		require.NoError(t, err)
	}

	s := NewLocalServer(LocalParams{
		Engine:   NewEngine(observability.Config{Environment: "test"}, nil),
		Store:    st,
		Settings: config.NewStaticSettings(config.DefaultSettings()),
		Clock:    clock.NewFakeClock(localNow),
		Log:      zap.NewNop(),
	})
	s.loc = time.UTC
	return s, st
}

func costed(session, project string, at time.Time, cost float64) usagedomain.UsageEvent {
	ev := event(session, project, at)
	ev.CostUSD = cost
	return ev
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLocalSummaryCoversToday(t *testing.T) {
	s, _ := newLocalServer(t,
		costed("s1", "api", localNow.Add(-5*time.Hour), 0.0105),
		costed("s1", "api", localNow.Add(-4*time.Hour), 0.0105),
		costed("s0", "api", localNow.Add(-24*time.Hour), 1),
	)

	w := get(t, s.Engine(), "/api/summary")
	require.Equal(t, http.StatusOK, w.Code)
	var sum aggregate.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, "2026-03-12", sum.Date)
	assert.EqualValues(t, 2, sum.Requests)
	assert.InDelta(t, 0.021, sum.TotalCostUSD, 1e-9)
	assert.Equal(t, 1, sum.SessionCount)
}

func TestLocalCosts(t *testing.T) {
	s, _ := newLocalServer(t,
		costed("s1", "api", localNow.Add(-time.Hour), 0.5),
		costed("s0", "api", localNow.Add(-24*time.Hour), 1),
	)

	tests := []struct {
		name    string
		query   string
		status  int
		buckets int
	}{
		{"default range", "", http.StatusOK, 7},
		{"suffix", "?range=3d", http.StatusOK, 3},
		{"bare number", "?range=2", http.StatusOK, 2},
		{"clamped", "?range=9999d", http.StatusOK, 365},
		{"garbage", "?range=week", http.StatusBadRequest, 0},
		{"zero", "?range=0d", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, s.Engine(), "/api/costs"+tt.query)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusOK {
				assert.Equal(t, "invalid_range", decodeError(t, w).Errors[0].Code)
				return
			}
			var buckets []aggregate.Bucket
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &buckets))
			require.Len(t, buckets, tt.buckets)
			assert.Equal(t, "2026-03-12", buckets[len(buckets)-1].Date)
		})
	}
}

func TestLocalBreakdownsAndSessions(t *testing.T) {
	s, _ := newLocalServer(t,
		costed("s1", "api", localNow.Add(-3*time.Hour), 0.2),
		costed("s2", "web", localNow.Add(-2*time.Hour), 0.5),
		costed("s3", "web", localNow.Add(-time.Hour), 0.1),
	)

	w := get(t, s.Engine(), "/api/projects")
	require.Equal(t, http.StatusOK, w.Code)
	var projects []aggregate.Breakdown
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projects))
	require.Len(t, projects, 2)
	assert.Equal(t, "web", projects[0].Key)

	w = get(t, s.Engine(), "/api/sessions?n=2")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []aggregate.SessionTotal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].SessionID)

	w = get(t, s.Engine(), "/api/sessions?n=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLocalEmptyStore(t *testing.T) {
	s, _ := newLocalServer(t)

	for _, path := range []string{"/api/models", "/api/projects", "/api/tools", "/api/sessions"} {
		t.Run(path, func(t *testing.T) {
			w := get(t, s.Engine(), path)
			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `[]`, w.Body.String())
		})
	}

	w := get(t, s.Engine(), "/api/alerts")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)
}

func TestLocalHealth(t *testing.T) {
	s, st := newLocalServer(t)

	w := get(t, s.Engine(), "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, st.Close())
	w = get(t, s.Engine(), "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "service_unavailable", decodeError(t, w).Type)
}

func TestLocalCORS(t *testing.T) {
	s, _ := newLocalServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
