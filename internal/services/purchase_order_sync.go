package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/pos"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// The purchase-order endpoint takes US-style dates, unlike /invoices
const purchaseOrderDateLayout = "01/02/2006"

// Only finalized purchase orders are mirrored
const purchaseOrderStatusFinalized = 3

// SyncPurchaseOrders mirrors finalized purchase orders dated inside the
// inclusive window. Orders already mirrored are skipped rather than
// refreshed; a mirrored purchase order never changes.
func (s *SyncService) SyncPurchaseOrders(ctx context.Context, from, to time.Time) *RunSummary {
	summary := newRunSummary("purchaseorders")
	txn := s.tracer.StartTransaction("sync-purchase-orders")
	defer s.tracer.EndTransaction(txn)

	query := url.Values{}
	query.Set("fromPurchaseDate", from.In(s.location).Format(purchaseOrderDateLayout))
	query.Set("toPurchaseDate", to.In(s.location).Format(purchaseOrderDateLayout))
	query.Set("status", strconv.Itoa(purchaseOrderStatusFinalized))

	rows, err := s.client.PageAll(ctx, "/purchaseorders", query, pos.PageOptions{})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return summary.fail(errors.Wrap(err, "purchase order pagination failed"))
	}
	summary.Count.Total = len(rows)
	if len(rows) == 0 {
		return summary.empty()
	}

	now := time.Now()
	seen := make(map[int64]bool, len(rows))
	skipped := 0

	for start := 0; start < len(rows); start += purchaseOrderBatchSize {
		end := start + purchaseOrderBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		var dtos []pos.PurchaseOrder
		s.decodeBatch("purchaseorders", rows[start:end], summary, func(raw json.RawMessage) error {
			var dto pos.PurchaseOrder
			if err := json.Unmarshal(raw, &dto); err != nil {
				return err
			}
			if seen[dto.ID] {
				return nil
			}
			seen[dto.ID] = true
			dtos = append(dtos, dto)
			return nil
		})
		if len(dtos) == 0 {
			continue
		}

		ids := make([]int64, 0, len(dtos))
		for _, dto := range dtos {
			ids = append(ids, dto.ID)
		}
		existing, err := s.orderRepo.ExistingUpstreamIDs(ctx, ids)
		if err != nil {
			summary.Count.Error += len(dtos)
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).Msg("Failed to check mirrored purchase orders")
			continue
		}

		fresh := make([]pos.PurchaseOrder, 0, len(dtos))
		for _, dto := range dtos {
			if existing[dto.ID] {
				skipped++
				continue
			}
			fresh = append(fresh, dto)
		}
		if len(fresh) == 0 {
			continue
		}

		batch := make([]models.PurchaseOrder, 0, len(fresh))
		freshIDs := make([]int64, 0, len(fresh))
		for _, dto := range fresh {
			batch = append(batch, mapPurchaseOrder(dto, now))
			freshIDs = append(freshIDs, dto.ID)
		}

		if err := s.orderRepo.InsertBatch(ctx, batch, purchaseOrderBatchSize); err != nil {
			summary.Count.Error += len(batch)
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).Int("rows", len(batch)).Msg("Purchase order insert failed")
			continue
		}

		mirrored, err := s.orderRepo.FindByUpstreamIDs(ctx, freshIDs)
		if err != nil {
			summary.Count.Error += len(batch)
			s.tracer.RecordError(txn, err)
			continue
		}
		internalIDs := make(map[int64]uint, len(mirrored))
		for _, o := range mirrored {
			internalIDs[o.UpstreamID] = o.ID
		}

		for _, dto := range fresh {
			orderID, ok := internalIDs[dto.ID]
			if !ok {
				// Lost the insert race to a concurrent pass; the other
				// writer owns the lines.
				skipped++
				continue
			}
			lines := mapPurchaseOrderLines(dto.PurchaseOrderDetails, orderID)
			if err := s.orderRepo.InsertLines(ctx, lines); err != nil {
				summary.Count.Error++
				log.Warn().Err(err).Str("code", dto.Code).Msg("Purchase order line insert failed")
				continue
			}
			summary.Count.Success++
			summary.Count.Children += len(lines)
		}
	}

	s.metrics.IncrementCounterBy(metrics.SyncRowsUpserted, int64(summary.Count.Success))
	log.Info().Str("run_id", summary.RunID).
		Str("from", from.Format(purchaseOrderDateLayout)).Str("to", to.Format(purchaseOrderDateLayout)).
		Int("total", summary.Count.Total).Int("success", summary.Count.Success).
		Int("skipped", skipped).Int("errors", summary.Count.Error).
		Msg("Purchase order sync finished")

	finished := summary.finish()
	if skipped > 0 {
		finished.Message = fmt.Sprintf("%s, %d already mirrored", finished.Message, skipped)
	}
	return finished
}

// mapPurchaseOrder converts an upstream purchase order row to its mirror form
func mapPurchaseOrder(dto pos.PurchaseOrder, now time.Time) models.PurchaseOrder {
	return models.PurchaseOrder{
		UpstreamID:   dto.ID,
		Code:         dto.Code,
		BranchID:     dto.BranchID,
		PurchaseDate: dto.PurchaseDate.Ptr(),
		SupplierID:   dto.SupplierID,
		SupplierCode: dto.SupplierCode,
		SupplierName: dto.SupplierName,
		Discount:     dto.Discount,
		Total:        dto.Total,
		TotalPayment: dto.TotalPayment,
		Status:       dto.Status,
		Description:  dto.Description,
		SyncedAt:     &now,
	}
}

// mapPurchaseOrderLines converts the nested detail rows of one purchase order
func mapPurchaseOrderLines(dtos []pos.PurchaseOrderDetail, orderID uint) []models.PurchaseOrderLine {
	out := make([]models.PurchaseOrderLine, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, models.PurchaseOrderLine{
			PurchaseOrderID: orderID,
			ProductID:       dto.ProductID,
			ProductCode:     dto.ProductCode,
			ProductName:     dto.ProductName,
			Quantity:        dto.Quantity,
			Price:           dto.Price,
			Discount:        dto.Discount,
			BatchName:       dto.BatchName,
			ExpiryDate:      dto.ExpiryDate.Ptr(),
		})
	}
	return out
}
