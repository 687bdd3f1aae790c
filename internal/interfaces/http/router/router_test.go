package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ok(body string) gin.HandlerFunc {
	return func(c *gin.Context) { c.String(http.StatusOK, body) }
}

func do(engine *gin.Engine, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestNewRouter(t *testing.T) {
	r := NewRouter(gin.New())

	assert.Equal(t, "/", r.BasePath())
	assert.Empty(t, r.registrars)
	assert.Empty(t, r.Routes())
}

func TestWithBasePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"sync/", "/sync"},
		{"/api/v1/", "/api/v1"},
		{"/", "/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NewRouter(gin.New(), WithBasePath(tt.in)).BasePath())
		})
	}
}

func TestRouterSetup(t *testing.T) {
	t.Run("root mount", func(t *testing.T) {
		engine := gin.New()
		g := NewDomainGroup("/integrations/:integrationId/mappings")
		g.GET("/stats", ok("stats"))

		NewRouter(engine).Register(g).Setup()

		w := do(engine, http.MethodGet, "/integrations/timeback/mappings/stats")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "stats", w.Body.String())
	})

	t.Run("prefixed mount", func(t *testing.T) {
		engine := gin.New()
		g := NewDomainGroup("/mappings")
		g.POST("/cache/clear-all", ok("cleared"))

		NewRouter(engine, WithBasePath("sync")).Register(g).Setup()

		assert.Equal(t, http.StatusOK, do(engine, http.MethodPost, "/sync/mappings/cache/clear-all").Code)
		assert.Equal(t, http.StatusNotFound, do(engine, http.MethodPost, "/mappings/cache/clear-all").Code)
	})
}

type bareRegistrar struct{}

func (bareRegistrar) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/hidden", ok("hidden"))
}

func TestRouter_Routes(t *testing.T) {
	scoped := NewDomainGroup("/integrations/:integrationId/mappings")
	scoped.GET("/stats", ok("")).Describe("statistics")
	admin := NewDomainGroup("/mappings")
	admin.POST("/cache/clear-all", ok(""))

	r := NewRouter(gin.New(), WithBasePath("sync")).
		Register(Groups{scoped, admin}).
		Register(bareRegistrar{})

	routes := r.Routes()
	require.Len(t, routes, 2, "registrars without a route listing are skipped")
	assert.Equal(t, Route{Method: http.MethodGet, Path: "/sync/integrations/:integrationId/mappings/stats", Description: "statistics"}, routes[0])
	assert.Equal(t, Route{Method: http.MethodPost, Path: "/sync/mappings/cache/clear-all"}, routes[1])
}

func TestDomainGroup_Methods(t *testing.T) {
	engine := gin.New()
	g := NewDomainGroup("/test")
	g.GET("/a", ok("get")).
		POST("/a", ok("post")).
		PUT("/a/:id", ok("put")).
		PATCH("/a/:id", ok("patch")).
		DELETE("/a/:id", ok("delete"))
	g.RegisterRoutes(engine.Group("/"))

	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/test/a", "get"},
		{http.MethodPost, "/test/a", "post"},
		{http.MethodPut, "/test/a/1", "put"},
		{http.MethodPatch, "/test/a/1", "patch"},
		{http.MethodDelete, "/test/a/1", "delete"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			w := do(engine, tt.method, tt.path)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.body, w.Body.String())
		})
	}
}

func TestDomainGroup_Middleware(t *testing.T) {
	engine := gin.New()
	scoped := NewDomainGroup("/scoped").Use(func(c *gin.Context) {
		c.Header("X-Scoped", "yes")
		c.Next()
	})
	scoped.GET("/items", ok("items"))
	plain := NewDomainGroup("/plain")
	plain.GET("/items", ok("items"))

	Groups{scoped, plain}.RegisterRoutes(engine.Group("/"))

	assert.Equal(t, "yes", do(engine, http.MethodGet, "/scoped/items").Header().Get("X-Scoped"))
	w := do(engine, http.MethodGet, "/plain/items")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Scoped"))
}

func TestDomainGroup_Routes(t *testing.T) {
	g := NewDomainGroup("/integrations/:integrationId/mappings")
	g.GET("/stats", ok("")).Describe("statistics")
	g.DELETE("", ok(""))
	g.POST("/cache/clear/", ok(""))

	routes := g.Routes("/")
	require.Len(t, routes, 3)
	assert.Equal(t, Route{Method: http.MethodGet, Path: "/integrations/:integrationId/mappings/stats", Description: "statistics"}, routes[0])
	assert.Equal(t, "/integrations/:integrationId/mappings", routes[1].Path)
	assert.Equal(t, "/integrations/:integrationId/mappings/cache/clear/", routes[2].Path)

	root := NewDomainGroup("")
	root.GET("/health", ok(""))
	assert.Equal(t, "/health", root.Routes("/")[0].Path)
}

func TestDomainGroup_DescribeWithoutRoutes(t *testing.T) {
	g := NewDomainGroup("/empty")
	g.Describe("nothing")
	assert.Empty(t, g.Routes("/"))
}

func TestNewRouter_UnescapesEncodedSlash(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)
	r.Register(NewDomainGroup("/items").GET("/:id", func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("id"))
	}))
	r.Setup()

	w := do(engine, http.MethodGet, "/items/sis%2F42")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sis/42", w.Body.String())

	assert.Equal(t, http.StatusNotFound, do(engine, http.MethodGet, "/items/sis/42").Code)
}
