package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	appmapping "github.com/rostersync/backend/internal/application/mapping"
	"github.com/rostersync/backend/internal/interfaces/http/dto"
	"github.com/rostersync/backend/internal/interfaces/http/router"
)

// HealthChecker reports the reachability of the backing services
type HealthChecker interface {
	Health(ctx context.Context) *appmapping.HealthReport
}

// SystemHandler serves health, info and metrics endpoints
type SystemHandler struct {
	BaseHandler
	health      HealthChecker
	name        string
	version     string
	metrics     http.Handler
	metricsPath string
	routes      func() []router.Route
	startTime   time.Time
}

// SystemHandlerOption configures a SystemHandler
type SystemHandlerOption func(*SystemHandler)

// WithBuildInfo sets the name and version reported by /system/info
func WithBuildInfo(name, version string) SystemHandlerOption {
	return func(h *SystemHandler) {
		h.name = name
		h.version = version
	}
}

// WithMetricsHandler exposes a Prometheus handler at path
func WithMetricsHandler(path string, metrics http.Handler) SystemHandlerOption {
	return func(h *SystemHandler) {
		h.metricsPath = path
		h.metrics = metrics
	}
}

// WithRouteTable lists the registered routes in /system/info
func WithRouteTable(routes func() []router.Route) SystemHandlerOption {
	return func(h *SystemHandler) {
		h.routes = routes
	}
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(health HealthChecker, opts ...SystemHandlerOption) *SystemHandler {
	h := &SystemHandler{
		BaseHandler: NewBaseHandler(DefaultRetryAfter),
		health:      health,
		name:        "rostersync",
		version:     "dev",
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *SystemHandler) groups() router.Groups {
	root := router.NewDomainGroup("")
	root.GET("/health", h.Health).Describe("Store and cache health")
	if h.metrics != nil && h.metricsPath != "" {
		root.GET(h.metricsPath, gin.WrapH(h.metrics)).Describe("Prometheus metrics")
	}

	system := router.NewDomainGroup("/system")
	system.GET("/info", h.GetSystemInfo).Describe("Build information and route table")
	system.GET("/ping", h.Ping).Describe("Liveness probe")

	return router.Groups{root, system}
}

// RegisterRoutes implements router.RouteRegistrar
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	h.groups().RegisterRoutes(rg)
}

// Routes implements router.RouteLister
func (h *SystemHandler) Routes(basePath string) []router.Route {
	return h.groups().Routes(basePath)
}

// Health handles GET /health. A degraded cache still answers 200 since
// lookups fall back to the store; only a store outage answers 503.
func (h *SystemHandler) Health(c *gin.Context) {
	report := h.health.Health(c.Request.Context())
	if report.Status == appmapping.HealthUnhealthy {
		c.JSON(http.StatusServiceUnavailable, dto.Response{Success: false, Data: report})
		return
	}
	h.Success(c, report)
}

// SystemInfoResponse represents the system information response
type SystemInfoResponse struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	GoVersion string         `json:"go_version"`
	Uptime    string         `json:"uptime"`
	Routes    []router.Route `json:"routes,omitempty"`
}

// GetSystemInfo handles GET /system/info
func (h *SystemHandler) GetSystemInfo(c *gin.Context) {
	info := SystemInfoResponse{
		Name:      h.name,
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.routes != nil {
		info.Routes = h.routes()
	}
	h.Success(c, info)
}

// PingResponse represents the ping response
type PingResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Ping handles GET /system/ping
func (h *SystemHandler) Ping(c *gin.Context) {
	h.Success(c, PingResponse{
		Message:   "pong",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
