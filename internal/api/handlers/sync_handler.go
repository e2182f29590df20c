package handlers

import (
	"net/http"
	"time"

	"example.com/backstage/services/possync/internal/services"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SyncHandler exposes the sync jobs for ad-hoc runs by operators
type SyncHandler struct {
	syncService *services.SyncService
	tracer      tracing.Tracer
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(syncService *services.SyncService, tracer tracing.Tracer) *SyncHandler {
	return &SyncHandler{
		syncService: syncService,
		tracer:      tracer,
	}
}

// HandleTriggerSync runs one named sync job and returns its summary. Invoices
// take an optional date (YYYY-MM-DD), month (YYYY-MM) or code selector;
// purchase orders take an optional from/to window (YYYY-MM-DD).
func (h *SyncHandler) HandleTriggerSync(c *gin.Context) {
	entity := c.Param("entity")

	txn := h.tracer.StartTransaction("api-trigger-sync")
	defer h.tracer.EndTransaction(txn)
	h.tracer.AddAttribute(txn, "entity", entity)

	ctx := c.Request.Context()
	var summary *services.RunSummary

	switch entity {
	case "products":
		summary = h.syncService.SyncProducts(ctx)
	case "categories":
		summary = h.syncService.SyncCategories(ctx)
	case "customers":
		summary = h.syncService.SyncCustomers(ctx)
	case "pricebooks":
		summary = h.syncService.SyncPricebooks(ctx)
	case "invoices":
		var err error
		summary, err = h.runInvoiceSync(c)
		if err != nil {
			h.tracer.RecordError(txn, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	case "purchaseorders":
		var err error
		summary, err = h.runPurchaseOrderSync(c)
		if err != nil {
			h.tracer.RecordError(txn, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sync entity: " + entity})
		return
	}

	if !summary.Success {
		log.Warn().Str("entity", entity).Str("message", summary.Message).Msg("Triggered sync failed")
	}
	c.JSON(http.StatusOK, summary)
}

// runInvoiceSync resolves the invoice selector from query parameters
func (h *SyncHandler) runInvoiceSync(c *gin.Context) (*services.RunSummary, error) {
	ctx := c.Request.Context()

	if code := c.Query("code"); code != "" {
		return h.syncService.SyncInvoiceByCode(ctx, code), nil
	}
	if month := c.Query("month"); month != "" {
		parsed, err := time.Parse("2006-01", month)
		if err != nil {
			return nil, errors.Wrap(err, "invalid month, expected YYYY-MM")
		}
		return h.syncService.SyncInvoicesByMonth(ctx, parsed.Year(), parsed.Month()), nil
	}
	day := time.Now()
	if date := c.Query("date"); date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, errors.Wrap(err, "invalid date, expected YYYY-MM-DD")
		}
		day = parsed
	}
	return h.syncService.SyncInvoicesByDay(ctx, day), nil
}

// runPurchaseOrderSync resolves the purchase order window from query
// parameters, defaulting to the trailing sweep window
func (h *SyncHandler) runPurchaseOrderSync(c *gin.Context) (*services.RunSummary, error) {
	ctx := c.Request.Context()

	to := time.Now()
	from := to.AddDate(0, -3, 0)
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, errors.Wrap(err, "invalid from date, expected YYYY-MM-DD")
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, errors.Wrap(err, "invalid to date, expected YYYY-MM-DD")
		}
		to = parsed
	}
	return h.syncService.SyncPurchaseOrders(ctx, from, to), nil
}

// RegisterRoutes registers the handler's routes
func (h *SyncHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/v1/sync/:entity", h.HandleTriggerSync)
}
