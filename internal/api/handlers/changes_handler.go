package handlers

import (
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/possync/internal/services"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/gin-gonic/gin"
)

const defaultChangesLimit = 100

// ChangesHandler serves the change ledger to downstream consumers
type ChangesHandler struct {
	webhookService *services.WebhookService
	tracer         tracing.Tracer
}

// NewChangesHandler creates a new changes handler
func NewChangesHandler(webhookService *services.WebhookService, tracer tracing.Tracer) *ChangesHandler {
	return &ChangesHandler{
		webhookService: webhookService,
		tracer:         tracer,
	}
}

// HandleGetChanges returns ledger entries, filtered by product and/or day,
// newest first
func (h *ChangesHandler) HandleGetChanges(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-changes")
	defer h.tracer.EndTransaction(txn)

	var productID int64
	if v := c.Query("product_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product_id"})
			return
		}
		productID = parsed
	}

	var day *time.Time
	if v := c.Query("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
			return
		}
		day = &parsed
	}

	limit := defaultChangesLimit
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	entries, err := h.webhookService.RecentChanges(c.Request.Context(), productID, day, limit)
	if err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  entries,
		"count": len(entries),
	})
}

// RegisterRoutes registers the handler's routes
func (h *ChangesHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/v1/changes", h.HandleGetChanges)
}
