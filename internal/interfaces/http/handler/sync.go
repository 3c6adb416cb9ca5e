package handler

import (
	"github.com/gin-gonic/gin"
	customerapp "github.com/solarcrm/backend/internal/application/customer"
)

// SyncHandler exposes the state of the write-back queue
type SyncHandler struct {
	BaseHandler
	service *customerapp.Service
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(service *customerapp.Service) *SyncHandler {
	return &SyncHandler{service: service}
}

// Status lists unflushed edits, flush counters and recent lost updates.
//
//	GET /api/v1/sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	h.Success(c, h.service.SyncStatus())
}

// Flush drains the queue now and reports what happened.
//
//	POST /api/v1/sync/flush
func (h *SyncHandler) Flush(c *gin.Context) {
	h.Success(c, h.service.Flush(c.Request.Context()))
}
