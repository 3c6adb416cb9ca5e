package handler

import (
	"github.com/gin-gonic/gin"
	customerapp "github.com/solarcrm/backend/internal/application/customer"
)

// CustomerHandler serves customer reads and edits from the write-back cache
type CustomerHandler struct {
	BaseHandler
	service *customerapp.Service
}

// NewCustomerHandler creates a new CustomerHandler
func NewCustomerHandler(service *customerapp.Service) *CustomerHandler {
	return &CustomerHandler{service: service}
}

// List returns every cached customer.
//
//	GET /api/v1/customers
func (h *CustomerHandler) List(c *gin.Context) {
	customers := h.service.List()
	h.BaseHandler.List(c, customers, len(customers))
}

// Get returns one cached customer.
//
//	GET /api/v1/customers/:id
func (h *CustomerHandler) Get(c *gin.Context) {
	rec, err := h.service.Get(c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rec)
}

// Update applies a partial edit. The response reflects the edit right away;
// persistence happens on the next flush.
//
//	PATCH /api/v1/customers/:id
func (h *CustomerHandler) Update(c *gin.Context) {
	raw, ok := h.bindFields(c)
	if !ok {
		return
	}

	rec, err := h.service.Update(c.Request.Context(), c.Param("id"), raw)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rec)
}

// Create inserts a customer into the remote store and the cache.
//
//	POST /api/v1/customers
func (h *CustomerHandler) Create(c *gin.Context) {
	raw, ok := h.bindFields(c)
	if !ok {
		return
	}

	rec, err := h.service.Create(c.Request.Context(), raw)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, rec)
}

// Delete removes a customer from the remote store and the cache.
//
//	DELETE /api/v1/customers/:id
func (h *CustomerHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// Reload replaces the cache with the remote store's contents.
//
//	POST /api/v1/customers/reload
func (h *CustomerHandler) Reload(c *gin.Context) {
	result, err := h.service.Reload(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}
