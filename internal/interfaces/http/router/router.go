package router

import (
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// RouteRegistrar mounts its routes on a group
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// RouteLister is implemented by registrars that can describe their routes
type RouteLister interface {
	Routes(basePath string) []Route
}

// Route describes one registered endpoint
type Route struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Router mounts registrars on a gin engine under a common base path
type Router struct {
	engine     *gin.Engine
	basePath   string
	registrars []RouteRegistrar
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithBasePath mounts every registrar under prefix; "/" mounts at the root
func WithBasePath(prefix string) RouterOption {
	return func(r *Router) {
		r.basePath = "/" + strings.Trim(prefix, "/")
	}
}

// NewRouter creates a Router that mounts at the root unless WithBasePath says otherwise.
// Path parameters are matched on the escaped path and then unescaped, so an
// ID sent as "sis%2F42" reaches the handler as "sis/42".
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	engine.UseRawPath = true
	engine.UnescapePathValues = true
	r := &Router{engine: engine, basePath: "/"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BasePath returns the prefix registrars are mounted under
func (r *Router) BasePath() string {
	return r.basePath
}

// Register queues a registrar for Setup
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup mounts every registered registrar
func (r *Router) Setup() {
	base := r.engine.Group(r.basePath)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(base)
	}
}

// Routes lists the endpoints of every registrar that implements RouteLister
func (r *Router) Routes() []Route {
	var routes []Route
	for _, registrar := range r.registrars {
		if lister, ok := registrar.(RouteLister); ok {
			routes = append(routes, lister.Routes(r.basePath)...)
		}
	}
	return routes
}

// DomainGroup collects the routes of one resource before they are mounted.
// It implements both RouteRegistrar and RouteLister.
type DomainGroup struct {
	prefix     string
	routes     []routeDefinition
	middleware []gin.HandlerFunc
}

type routeDefinition struct {
	method      string
	path        string
	handlers    []gin.HandlerFunc
	description string
}

// NewDomainGroup creates a group mounted at prefix
func NewDomainGroup(prefix string) *DomainGroup {
	return &DomainGroup{prefix: prefix}
}

// Use adds middleware that runs before every route of the group
func (dg *DomainGroup) Use(middleware ...gin.HandlerFunc) *DomainGroup {
	dg.middleware = append(dg.middleware, middleware...)
	return dg
}

// Handle adds a route for any method
func (dg *DomainGroup) Handle(method, path string, handlers ...gin.HandlerFunc) *DomainGroup {
	dg.routes = append(dg.routes, routeDefinition{method: method, path: path, handlers: handlers})
	return dg
}

// Describe sets the description of the most recently added route
func (dg *DomainGroup) Describe(description string) *DomainGroup {
	if n := len(dg.routes); n > 0 {
		dg.routes[n-1].description = description
	}
	return dg
}

func (dg *DomainGroup) GET(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.Handle(http.MethodGet, path, handlers...)
}

func (dg *DomainGroup) POST(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.Handle(http.MethodPost, path, handlers...)
}

func (dg *DomainGroup) PUT(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.Handle(http.MethodPut, path, handlers...)
}

func (dg *DomainGroup) PATCH(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.Handle(http.MethodPatch, path, handlers...)
}

func (dg *DomainGroup) DELETE(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.Handle(http.MethodDelete, path, handlers...)
}

// RegisterRoutes implements RouteRegistrar
func (dg *DomainGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(dg.prefix, dg.middleware...)
	for _, route := range dg.routes {
		group.Handle(route.method, route.path, route.handlers...)
	}
}

// Routes implements RouteLister
func (dg *DomainGroup) Routes(basePath string) []Route {
	prefix := path.Join("/", basePath, dg.prefix)
	out := make([]Route, 0, len(dg.routes))
	for _, route := range dg.routes {
		out = append(out, Route{
			Method:      route.method,
			Path:        joinRoute(prefix, route.path),
			Description: route.description,
		})
	}
	return out
}

// Groups mounts several domain groups as one registrar
type Groups []*DomainGroup

// RegisterRoutes implements RouteRegistrar
func (gs Groups) RegisterRoutes(rg *gin.RouterGroup) {
	for _, g := range gs {
		g.RegisterRoutes(rg)
	}
}

// Routes implements RouteLister
func (gs Groups) Routes(basePath string) []Route {
	var out []Route
	for _, g := range gs {
		out = append(out, g.Routes(basePath)...)
	}
	return out
}

// path.Join drops a trailing slash, which gin treats as significant
func joinRoute(prefix, p string) string {
	joined := path.Join(prefix, p)
	if strings.HasSuffix(p, "/") && joined != "/" {
		joined += "/"
	}
	return joined
}
