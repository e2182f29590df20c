package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/pos"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Upstream invoice filters take ISO dates
const invoiceDateLayout = "2006-01-02"

// SyncInvoicesByDay mirrors every invoice whose purchase date falls on the
// given day
func (s *SyncService) SyncInvoicesByDay(ctx context.Context, day time.Time) *RunSummary {
	day = day.In(s.location)
	return s.syncInvoiceRange(ctx, day, day)
}

// SyncInvoicesByMonth mirrors every invoice of the given calendar month, from
// its first day through its last
func (s *SyncService) SyncInvoicesByMonth(ctx context.Context, year int, month time.Month) *RunSummary {
	first := time.Date(year, month, 1, 0, 0, 0, 0, s.location)
	last := first.AddDate(0, 1, -1)
	return s.syncInvoiceRange(ctx, first, last)
}

// syncInvoiceRange pages /invoices over an inclusive purchase-date window and
// mirrors the rows with their lines
func (s *SyncService) syncInvoiceRange(ctx context.Context, from, to time.Time) *RunSummary {
	summary := newRunSummary("invoices")
	txn := s.tracer.StartTransaction("sync-invoices")
	defer s.tracer.EndTransaction(txn)

	query := url.Values{}
	query.Set("fromPurchaseDate", from.Format(invoiceDateLayout))
	query.Set("toPurchaseDate", to.Format(invoiceDateLayout))
	query.Set("includeInvoiceDetails", "true")

	rows, err := s.client.PageAll(ctx, "/invoices", query, pos.PageOptions{Delay: invoicePageDelay})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return summary.fail(errors.Wrapf(err, "invoice pagination failed for %s..%s",
			from.Format(invoiceDateLayout), to.Format(invoiceDateLayout)))
	}
	summary.Count.Total = len(rows)
	if len(rows) == 0 {
		return summary.empty()
	}

	now := time.Now()
	seen := make(map[int64]bool, len(rows))

	for start := 0; start < len(rows); start += invoiceBatchSize {
		end := start + invoiceBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		var dtos []pos.Invoice
		s.decodeBatch("invoices", rows[start:end], summary, func(raw json.RawMessage) error {
			var dto pos.Invoice
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

		s.mirrorInvoices(ctx, dtos, now, summary)
	}

	s.metrics.IncrementCounterBy(metrics.SyncRowsUpserted, int64(summary.Count.Success))
	log.Info().Str("run_id", summary.RunID).
		Str("from", from.Format(invoiceDateLayout)).Str("to", to.Format(invoiceDateLayout)).
		Int("total", summary.Count.Total).Int("success", summary.Count.Success).
		Int("errors", summary.Count.Error).
		Msg("Invoice sync finished")
	return summary.finish()
}

// SyncInvoiceByCode mirrors a single invoice fetched by its code. The
// singleton endpoint, unlike the collection, carries the sale channel.
func (s *SyncService) SyncInvoiceByCode(ctx context.Context, code string) *RunSummary {
	summary := newRunSummary("invoice")
	txn := s.tracer.StartTransaction("sync-invoice-by-code")
	defer s.tracer.EndTransaction(txn)

	var dto pos.Invoice
	err := s.client.Request(ctx, http.MethodGet, "/invoices/code/"+url.PathEscape(code), nil, nil, &dto)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return summary.fail(errors.Wrapf(err, "failed to fetch invoice %s", code))
	}
	if dto.ID == 0 {
		return summary.fail(errors.Errorf("upstream returned no invoice for code %s", code))
	}

	summary.Count.Total = 1
	s.mirrorInvoices(ctx, []pos.Invoice{dto}, time.Now(), summary)

	// Only this endpoint sees the sale channel, so it is patched explicitly
	// rather than carried through the shared upsert.
	if channel := dto.SaleChannelName(); channel != "" {
		if err := s.invoiceRepo.SetSaleChannel(ctx, dto.ID, channel); err != nil {
			log.Warn().Err(err).Str("code", code).Msg("Failed to record invoice sale channel")
		}
	}

	s.metrics.IncrementCounterBy(metrics.SyncRowsUpserted, int64(summary.Count.Success))
	return summary.finish()
}

// mirrorInvoices upserts one decoded batch and replaces each invoice's lines
func (s *SyncService) mirrorInvoices(ctx context.Context, dtos []pos.Invoice, now time.Time, summary *RunSummary) {
	if len(dtos) == 0 {
		return
	}

	batch := make([]models.Invoice, 0, len(dtos))
	ids := make([]int64, 0, len(dtos))
	for _, dto := range dtos {
		batch = append(batch, mapInvoice(dto, now))
		ids = append(ids, dto.ID)
	}

	if err := s.invoiceRepo.UpsertBatch(ctx, batch, invoiceBatchSize); err != nil {
		summary.Count.Error += len(batch)
		log.Error().Err(err).Int("rows", len(batch)).Msg("Invoice batch upsert failed")
		return
	}

	mirrored, err := s.invoiceRepo.FindByUpstreamIDs(ctx, ids)
	if err != nil {
		summary.Count.Error += len(batch)
		log.Error().Err(err).Msg("Failed to resolve mirrored invoice ids")
		return
	}
	internalIDs := make(map[int64]uint, len(mirrored))
	for _, inv := range mirrored {
		internalIDs[inv.UpstreamID] = inv.ID
	}

	for _, dto := range dtos {
		invoiceID, ok := internalIDs[dto.ID]
		if !ok {
			summary.Count.Error++
			continue
		}
		lines := mapInvoiceLines(dto.InvoiceDetails, invoiceID)
		if err := s.invoiceRepo.ReplaceLines(ctx, invoiceID, lines); err != nil {
			summary.Count.Error++
			log.Warn().Err(err).Str("code", dto.Code).Msg("Invoice line replacement failed")
			continue
		}
		summary.Count.Success++
		summary.Count.Children += len(lines)
	}
}

// mapInvoice converts an upstream invoice row to its mirror form
func mapInvoice(dto pos.Invoice, now time.Time) models.Invoice {
	return models.Invoice{
		UpstreamID:      dto.ID,
		UUID:            dto.UUID,
		Code:            dto.Code,
		PurchaseDate:    dto.PurchaseDate.Ptr(),
		BranchID:        dto.BranchID,
		SoldByID:        dto.SoldByID,
		SoldByName:      dto.SoldByName,
		CustomerID:      dto.CustomerID,
		CustomerCode:    dto.CustomerCode,
		CustomerName:    dto.CustomerName,
		OrderCode:       dto.OrderCode,
		Total:           dto.Total,
		TotalPayment:    dto.TotalPayment,
		Discount:        dto.Discount,
		Status:          dto.Status,
		StatusValue:     dto.StatusValue,
		SaleChannelName: dto.SaleChannelName(),
		Description:     dto.Description,
		ModifiedDate:    dto.ModifiedDate.Ptr(),
		SyncedAt:        &now,
	}
}

// mapInvoiceLines converts the nested detail rows of one invoice
func mapInvoiceLines(dtos []pos.InvoiceDetail, invoiceID uint) []models.InvoiceLine {
	out := make([]models.InvoiceLine, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, models.InvoiceLine{
			InvoiceID:      invoiceID,
			ProductID:      dto.ProductID,
			ProductCode:    dto.ProductCode,
			ProductName:    dto.ProductName,
			CategoryName:   dto.CategoryName,
			Quantity:       dto.Quantity,
			Price:          dto.Price,
			Discount:       dto.Discount,
			SubTotal:       dto.SubTotal,
			Note:           dto.Note,
			SerialNumbers:  dto.SerialNumbers,
			ReturnQuantity: dto.ReturnQuantity,
		})
	}
	return out
}
