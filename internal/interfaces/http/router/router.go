// Package router assembles the gin engine of the customer API.
package router

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Route is one registered endpoint
type Route struct {
	Group  string
	Method string
	Path   string
}

// Router mounts resource groups under /api/<version>
type Router struct {
	engine     *gin.Engine
	apiVersion string
	logger     *zap.Logger
	groups     []*DomainGroup
	routes     []Route
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// WithRouterLogger logs every mounted route at debug level
func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register queues a group for Setup
func (r *Router) Register(group *DomainGroup) *Router {
	r.groups = append(r.groups, group)
	return r
}

// Setup mounts every registered group and returns the resulting route table
func (r *Router) Setup() []Route {
	api := r.engine.Group("/api/" + r.apiVersion)
	for _, group := range r.groups {
		for _, route := range group.mount(api) {
			r.logger.Debug("Route registered",
				zap.String("group", route.Group),
				zap.String("method", route.Method),
				zap.String("path", route.Path),
			)
			r.routes = append(r.routes, route)
		}
	}
	return r.routes
}

// Routes returns the routes mounted so far
func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// DomainGroup collects the routes of one resource
type DomainGroup struct {
	name       string
	prefix     string
	routes     []routeDefinition
	middleware []gin.HandlerFunc
}

type routeDefinition struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// NewDomainGroup creates a new route group
func NewDomainGroup(name, prefix string) *DomainGroup {
	return &DomainGroup{name: name, prefix: prefix}
}

// Use adds middleware run before every handler of the group
func (dg *DomainGroup) Use(middleware ...gin.HandlerFunc) *DomainGroup {
	dg.middleware = append(dg.middleware, middleware...)
	return dg
}

func (dg *DomainGroup) handle(method, p string, handlers []gin.HandlerFunc) *DomainGroup {
	dg.routes = append(dg.routes, routeDefinition{method: method, path: p, handlers: handlers})
	return dg
}

func (dg *DomainGroup) GET(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodGet, p, handlers)
}

func (dg *DomainGroup) POST(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodPost, p, handlers)
}

func (dg *DomainGroup) PATCH(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodPatch, p, handlers)
}

func (dg *DomainGroup) DELETE(p string, handlers ...gin.HandlerFunc) *DomainGroup {
	return dg.handle(http.MethodDelete, p, handlers)
}

func (dg *DomainGroup) mount(rg *gin.RouterGroup) []Route {
	group := rg.Group(dg.prefix)
	if len(dg.middleware) > 0 {
		group.Use(dg.middleware...)
	}
	mounted := make([]Route, 0, len(dg.routes))
	for _, route := range dg.routes {
		group.Handle(route.method, route.path, route.handlers...)
		mounted = append(mounted, Route{
			Group:  dg.name,
			Method: route.method,
			Path:   path.Join(group.BasePath(), route.path),
		})
	}
	return mounted
}

// Name returns the group name
func (dg *DomainGroup) Name() string {
	return dg.name
}

// Prefix returns the group prefix
func (dg *DomainGroup) Prefix() string {
	return dg.prefix
}
