package handlers

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/possync/internal/services"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Webhook request headers set by the upstream POS
const (
	headerSignature = "X-Hub-Signature"
	headerEvent     = "X-Webhook-Event"
	headerDelivery  = "X-Webhook-Delivery"
)

// WebhookHandler handles upstream POS webhook deliveries
type WebhookHandler struct {
	webhookService *services.WebhookService
	softDeadline   time.Duration
	tracer         tracing.Tracer
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhookService *services.WebhookService, softDeadline time.Duration, tracer tracing.Tracer) *WebhookHandler {
	if softDeadline <= 0 {
		softDeadline = 10 * time.Second
	}
	return &WebhookHandler{
		webhookService: webhookService,
		softDeadline:   softDeadline,
		tracer:         tracer,
	}
}

// HandleProductWebhook accepts a product-update delivery. The raw body is
// captured before any parsing so the HMAC is computed over the exact received
// bytes. Responses are always 2xx: the upstream redelivers on anything else,
// and failures are reported inside the body instead. Deliveries still running
// at the soft deadline are acknowledged and finished in the background.
func (h *WebhookHandler) HandleProductWebhook(c *gin.Context) {
	txn := h.tracer.StartTransaction("webhook-product")
	defer h.tracer.EndTransaction(txn)

	body, err := c.GetRawData()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook body")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusOK, services.DeliveryResult{Malformed: true})
		return
	}

	deliveryID := c.GetHeader(headerDelivery)
	signature := c.GetHeader(headerSignature)
	event := c.GetHeader(headerEvent)

	h.tracer.AddAttribute(txn, "delivery_id", deliveryID)
	h.tracer.AddAttribute(txn, "event", event)

	// Processing must survive the client going away and the soft deadline,
	// so it runs on a context detached from the request.
	ctx := context.WithoutCancel(c.Request.Context())
	done := make(chan *services.DeliveryResult, 1)
	go func() {
		done <- h.webhookService.ProcessDelivery(ctx, deliveryID, signature, body)
	}()

	select {
	case result := <-done:
		c.JSON(http.StatusOK, result)
	case <-time.After(h.softDeadline):
		log.Info().Str("delivery_id", deliveryID).Dur("deadline", h.softDeadline).
			Msg("Webhook delivery exceeded soft deadline, finishing in background")
		c.JSON(http.StatusAccepted, services.DeliveryResult{
			Success:    true,
			Deferred:   true,
			DeliveryID: deliveryID,
		})
	}
}

// RegisterRoutes registers the handler's routes
func (h *WebhookHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/webhook/product", h.HandleProductWebhook)
}
