package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmapping "github.com/rostersync/backend/internal/application/mapping"
	"github.com/rostersync/backend/internal/infrastructure/telemetry"
	"github.com/rostersync/backend/internal/interfaces/http/router"
)

type stubHealth struct {
	report appmapping.HealthReport
}

func (s stubHealth) Health(context.Context) *appmapping.HealthReport {
	r := s.report
	return &r
}

func newSystemEngine(h *SystemHandler) *gin.Engine {
	engine := gin.New()
	router.NewRouter(engine).Register(h).Setup()
	return engine
}

func get(engine *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestSystemHandler_Health(t *testing.T) {
	tests := []struct {
		name    string
		report  appmapping.HealthReport
		status  int
		success bool
	}{
		{
			name:    "healthy",
			report:  appmapping.HealthReport{Status: appmapping.HealthHealthy, Store: "up", Cache: "up"},
			status:  http.StatusOK,
			success: true,
		},
		{
			name:    "degraded cache still serves",
			report:  appmapping.HealthReport{Status: appmapping.HealthDegraded, Store: "up", Cache: "down", CacheError: "dial tcp: connection refused"},
			status:  http.StatusOK,
			success: true,
		},
		{
			name:   "store down",
			report: appmapping.HealthReport{Status: appmapping.HealthUnhealthy, Store: "down", Cache: "up", StoreError: "database is closed"},
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newSystemEngine(NewSystemHandler(stubHealth{report: tt.report}))

			w := get(engine, "/health")
			require.Equal(t, tt.status, w.Code)

			var resp envelope[appmapping.HealthReport]
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.success, resp.Success)
			assert.Equal(t, tt.report, resp.Data)
		})
	}
}

func TestSystemHandler_GetSystemInfo(t *testing.T) {
	routes := []router.Route{{Method: http.MethodGet, Path: "/health"}}
	h := NewSystemHandler(stubHealth{},
		WithBuildInfo("rostersync-test", "1.2.3"),
		WithRouteTable(func() []router.Route { return routes }),
	)
	assert.False(t, h.startTime.IsZero())

	w := get(newSystemEngine(h), "/system/info")
	require.Equal(t, http.StatusOK, w.Code)

	var resp envelope[SystemInfoResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "rostersync-test", resp.Data.Name)
	assert.Equal(t, "1.2.3", resp.Data.Version)
	assert.NotEmpty(t, resp.Data.GoVersion)
	assert.NotEmpty(t, resp.Data.Uptime)
	assert.Equal(t, routes, resp.Data.Routes)
}

func TestSystemHandler_Ping(t *testing.T) {
	w := get(newSystemEngine(NewSystemHandler(stubHealth{})), "/system/ping")
	require.Equal(t, http.StatusOK, w.Code)

	var resp envelope[PingResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pong", resp.Data.Message)
	assert.NotEmpty(t, resp.Data.Timestamp)
}

func TestSystemHandler_Metrics(t *testing.T) {
	t.Run("exposed when configured", func(t *testing.T) {
		m := telemetry.NewMappingMetrics("rostersync")
		m.ObserveCache("get_internal_id", "hit", 0)

		engine := newSystemEngine(NewSystemHandler(stubHealth{}, WithMetricsHandler("/metrics", m.Handler())))
		w := get(engine, "/metrics")
		require.Equal(t, http.StatusOK, w.Code)

		body, err := io.ReadAll(w.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "rostersync_")
	})

	t.Run("absent by default", func(t *testing.T) {
		engine := newSystemEngine(NewSystemHandler(stubHealth{}))
		assert.Equal(t, http.StatusNotFound, get(engine, "/metrics").Code)
	})
}

func TestSystemHandler_Routes(t *testing.T) {
	h := NewSystemHandler(stubHealth{}, WithMetricsHandler("/metrics", http.NotFoundHandler()))

	var paths []string
	for _, r := range h.Routes("/") {
		paths = append(paths, r.Method+" "+r.Path)
	}
	assert.Equal(t, []string{"GET /health", "GET /metrics", "GET /system/info", "GET /system/ping"}, paths)
}
