package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strconv"
	"strings"
	"time"

	"example.com/backstage/services/possync/internal/cache"
	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/pos"
	"example.com/backstage/services/possync/internal/repositories"
	"example.com/backstage/services/possync/internal/search"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Ledger field names. These are part of the ledger's public vocabulary and
// must not drift.
const (
	fieldBasePrice   = "baseprice"
	fieldDescription = "description"
	fieldCost        = "cost"
)

// productUpdateAction is the one notification kind this processor handles
const productUpdateAction = "product-update"

// Redelivered webhook ids are suppressed within this window
const deliveryDedupTTL = time.Hour

// WebhookService applies upstream push notifications to the mirror,
// ledger-first
type WebhookService struct {
	db         *gorm.DB
	secret     string
	products   *repositories.ProductRepository
	changeLogs *repositories.ChangeLogRepository
	cache      *cache.RedisCache
	search     *search.ElasticClient
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

// NewWebhookService creates a new webhook service
func NewWebhookService(
	db *gorm.DB,
	secret string,
	redisCache *cache.RedisCache,
	elastic *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *WebhookService {
	return &WebhookService{
		db:         db,
		secret:     secret,
		products:   repositories.NewProductRepository(db),
		changeLogs: repositories.NewChangeLogRepository(db),
		cache:      redisCache,
		search:     elastic,
		metrics:    metricsCollector,
		tracer:     tracer,
	}
}

// DeliveryResult is the body of every webhook acknowledgement. Deliveries are
// always acknowledged with 2xx; failures surface here, not as status codes.
type DeliveryResult struct {
	Success         bool   `json:"success"`
	SignatureFailed bool   `json:"signature_failed,omitempty"`
	Malformed       bool   `json:"malformed,omitempty"`
	Duplicate       bool   `json:"duplicate,omitempty"`
	Deferred        bool   `json:"deferred,omitempty"`
	DeliveryID      string `json:"delivery_id,omitempty"`
	Products        int    `json:"products"`
	Changes         int    `json:"changes"`
	Errors          int    `json:"errors"`
}

// VerifySignature checks an X-Hub-Signature header ("algo=hex") against the
// raw body. Both SHA-1 and SHA-256 digests are accepted whatever the header
// labels itself as; upstream has been observed to mislabel the algorithm.
func (s *WebhookService) VerifySignature(body []byte, header string) bool {
	_, digest, found := strings.Cut(header, "=")
	if !found {
		digest = header
	}
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return false
	}

	for _, h := range []func() hash.Hash{sha1.New, sha256.New} {
		mac := hmac.New(h, []byte(s.secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) == 1 {
			return true
		}
	}
	return false
}

// ProcessDelivery runs one webhook delivery end to end: signature check,
// redelivery suppression, envelope decode, then serial application of each
// product-update notification. The raw body must be the exact received bytes;
// the signature is computed over them.
func (s *WebhookService) ProcessDelivery(ctx context.Context, deliveryID, signature string, body []byte) *DeliveryResult {
	started := time.Now()
	txn := s.tracer.StartTransaction("webhook-delivery")
	defer s.tracer.EndTransaction(txn)

	s.metrics.IncrementCounter(metrics.WebhookReceived)
	result := &DeliveryResult{DeliveryID: deliveryID}

	if !s.VerifySignature(body, signature) {
		s.metrics.IncrementCounter(metrics.WebhookSignatureFailed)
		log.Warn().Str("delivery_id", deliveryID).Msg("Webhook signature verification failed")
		// Log-and-accept: a non-2xx would make upstream redeliver forever, so
		// the failure is acknowledged and flagged instead of rejected.
		result.Success = true
		result.SignatureFailed = true
		return result
	}

	first, err := s.cache.MarkDeliverySeen(ctx, deliveryID, deliveryDedupTTL)
	if err != nil {
		log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("Delivery dedup check failed, processing anyway")
	}
	if !first {
		s.metrics.IncrementCounter(metrics.WebhookDuplicateDelivery)
		log.Info().Str("delivery_id", deliveryID).Msg("Suppressing redelivered webhook")
		result.Success = true
		result.Duplicate = true
		return result
	}

	var envelope pos.WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.metrics.IncrementCounter(metrics.WebhookMalformed)
		s.tracer.RecordError(txn, err)
		log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("Failed to decode webhook envelope")
		result.Malformed = true
		return result
	}

	for _, notification := range envelope.Notifications {
		if notification.Action != productUpdateAction {
			log.Debug().Str("action", notification.Action).Msg("Ignoring unhandled webhook action")
			continue
		}
		for _, raw := range notification.Data {
			var product pos.WebhookProduct
			if err := json.Unmarshal(raw, &product); err != nil {
				result.Errors++
				log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("Failed to decode webhook product")
				continue
			}
			result.Products++

			changed, err := s.applyProductUpdate(ctx, product)
			if err != nil {
				result.Errors++
				s.tracer.RecordError(txn, err)
				log.Warn().Err(err).Int64("upstream_id", product.ID).
					Str("delivery_id", deliveryID).Msg("Failed to apply product update")
				continue
			}
			result.Changes += changed
		}
	}

	result.Success = true
	s.metrics.RecordTimer("webhook_delivery", time.Since(started))
	if result.Errors > 0 {
		s.metrics.RecordError("webhook_delivery")
	} else {
		s.metrics.RecordSuccess("webhook_delivery")
	}

	log.Info().Str("delivery_id", deliveryID).Int("attempt", envelope.Attempt).
		Int("products", result.Products).Int("changes", result.Changes).
		Int("errors", result.Errors).Dur("elapsed", time.Since(started)).
		Msg("Webhook delivery processed")
	return result
}

// inventoryWrite is one pending cost mutation, resolved before the transaction
type inventoryWrite struct {
	id  uint // 0 inserts row instead
	row models.Inventory
}

// applyProductUpdate diffs one notification payload against the mirror and
// applies the differing fields, writing ledger entries in the same transaction
// before the mirror rows are touched. Identical values write nothing at all.
func (s *WebhookService) applyProductUpdate(ctx context.Context, update pos.WebhookProduct) (int, error) {
	mirror, err := s.products.GetByUpstreamID(ctx, update.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return 0, errors.Errorf("product %d is not mirrored yet", update.ID)
		}
		return 0, err
	}

	var entries []models.ChangeLogEntry
	patch := map[string]interface{}{}

	if mirror.BasePrice != update.BasePrice {
		entries = append(entries, models.ChangeLogEntry{
			UpstreamID: update.ID,
			FieldName:  fieldBasePrice,
			OldValue:   formatLedgerValue(mirror.BasePrice),
			NewValue:   formatLedgerValue(update.BasePrice),
		})
		patch["base_price"] = update.BasePrice
	}
	if mirror.Description != update.Description {
		entries = append(entries, models.ChangeLogEntry{
			UpstreamID: update.ID,
			FieldName:  fieldDescription,
			OldValue:   mirror.Description,
			NewValue:   update.Description,
		})
		patch["description"] = update.Description
	}

	var invWrites []inventoryWrite
	for _, branch := range update.Inventories {
		inv, err := s.products.GetInventory(ctx, mirror.ID, branch.BranchID)
		if err != nil {
			if !errors.Is(err, repositories.ErrNotFound) {
				return 0, err
			}
			// First sighting of this branch; the ledger records the
			// transition from no value.
			entries = append(entries, models.ChangeLogEntry{
				UpstreamID: update.ID,
				FieldName:  fieldCost,
				OldValue:   "",
				NewValue:   formatLedgerValue(branch.Cost),
			})
			invWrites = append(invWrites, inventoryWrite{row: models.Inventory{
				ProductID:  mirror.ID,
				BranchID:   branch.BranchID,
				BranchName: branch.BranchName,
				Cost:       branch.Cost,
				OnHand:     branch.OnHand,
			}})
			continue
		}
		if inv.Cost == branch.Cost {
			continue
		}
		entries = append(entries, models.ChangeLogEntry{
			UpstreamID: update.ID,
			FieldName:  fieldCost,
			OldValue:   formatLedgerValue(inv.Cost),
			NewValue:   formatLedgerValue(branch.Cost),
		})
		invWrites = append(invWrites, inventoryWrite{id: inv.ID, row: models.Inventory{Cost: branch.Cost}})
	}

	if len(entries) == 0 {
		return 0, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.changeLogs.WithTx(tx).Append(ctx, entries); err != nil {
			return err
		}
		productsTx := s.products.WithTx(tx)
		if err := productsTx.UpdateFields(ctx, update.ID, patch); err != nil {
			return err
		}
		for i := range invWrites {
			w := &invWrites[i]
			if w.id == 0 {
				if err := productsTx.CreateInventory(ctx, &w.row); err != nil {
					return err
				}
				continue
			}
			if err := productsTx.UpdateInventory(ctx, w.id, map[string]interface{}{"cost": w.row.Cost}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.metrics.IncrementCounterBy(metrics.LedgerEntriesWritten, int64(len(entries)))

	// Indexing is best effort and happens after commit; the ledger row is the
	// authoritative record.
	if err := s.search.IndexChanges(ctx, entries); err != nil {
		log.Warn().Err(err).Int64("upstream_id", update.ID).Msg("Failed to index ledger entries")
	}

	return len(entries), nil
}

// RecentChanges queries the ledger for one product, optionally restricted to
// a single day, newest first
func (s *WebhookService) RecentChanges(ctx context.Context, upstreamID int64, day *time.Time, limit int) ([]models.ChangeLogEntry, error) {
	return s.changeLogs.Find(ctx, upstreamID, day, limit)
}

// formatLedgerValue stringifies a numeric value for the ledger, without
// trailing zeros (10 stays "10", 10.5 stays "10.5")
func formatLedgerValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
