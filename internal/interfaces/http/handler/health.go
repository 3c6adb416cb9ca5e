package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	customerapp "github.com/solarcrm/backend/internal/application/customer"
	"github.com/solarcrm/backend/internal/interfaces/http/dto"
)

// HealthHandler reports liveness and store reachability
type HealthHandler struct {
	BaseHandler
	service     *customerapp.Service
	name        string
	version     string
	startTime   time.Time
	pingTimeout time.Duration
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(service *customerapp.Service, name, version string) *HealthHandler {
	return &HealthHandler{
		service:     service,
		name:        name,
		version:     version,
		startTime:   time.Now(),
		pingTimeout: 2 * time.Second,
	}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	Cached    int    `json:"cached"`
	Pending   int    `json:"pending"`
}

// Health answers 200 while the remote store is reachable and 503 otherwise.
// The cache keeps serving either way.
//
//	GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.pingTimeout)
	defer cancel()

	status := h.service.SyncStatus()
	resp := HealthResponse{
		Status:    "ok",
		Name:      h.name,
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Store:     "ok",
		Cached:    status.Cached,
		Pending:   len(status.Pending),
	}

	code := http.StatusOK
	if err := h.service.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, dto.NewSuccessResponse(resp))
}
