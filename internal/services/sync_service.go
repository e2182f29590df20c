package services

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/pos"
	"example.com/backstage/services/possync/internal/repositories"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Batch sizes per entity. Invoices and purchase orders carry line rows that
// amplify write volume, so their batches are smaller.
const (
	productBatchSize       = 50
	customerBatchSize      = 50
	categoryBatchSize      = 50
	invoiceBatchSize       = 25
	purchaseOrderBatchSize = 25
	pricebookBatchSize     = 25

	// After this many consecutive row failures the remainder of the batch
	// is skipped and the job advances.
	consecutiveFailureLimit = 5

	// Invoice pagination sleeps between pages to stay under upstream rate
	// limits.
	invoicePageDelay = time.Second

	// Trailing window of the purchase-order sweep step.
	defaultSweepMonthsBack = 3
)

// SyncService runs the upstream-to-mirror sync jobs
type SyncService struct {
	db              *gorm.DB
	client          *pos.Client
	tokens          *pos.TokenManager
	productRepo     *repositories.ProductRepository
	categoryRepo    *repositories.CategoryRepository
	customerRepo    *repositories.CustomerRepository
	invoiceRepo     *repositories.InvoiceRepository
	orderRepo       *repositories.PurchaseOrderRepository
	pricebookRepo   *repositories.PricebookRepository
	metrics         *metrics.Metrics
	tracer          tracing.Tracer
	location        *time.Location
	sweepMonthsBack int
}

// NewSyncService creates a new sync service
func NewSyncService(
	db *gorm.DB,
	client *pos.Client,
	tokens *pos.TokenManager,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	location *time.Location,
	sweepMonthsBack int,
) *SyncService {
	if location == nil {
		location = time.UTC
	}
	if sweepMonthsBack <= 0 {
		sweepMonthsBack = defaultSweepMonthsBack
	}
	return &SyncService{
		db:              db,
		client:          client,
		tokens:          tokens,
		productRepo:     repositories.NewProductRepository(db),
		categoryRepo:    repositories.NewCategoryRepository(db),
		customerRepo:    repositories.NewCustomerRepository(db),
		invoiceRepo:     repositories.NewInvoiceRepository(db),
		orderRepo:       repositories.NewPurchaseOrderRepository(db),
		pricebookRepo:   repositories.NewPricebookRepository(db),
		metrics:         metricsCollector,
		tracer:          tracer,
		location:        location,
		sweepMonthsBack: sweepMonthsBack,
	}
}

// RefreshToken refreshes the upstream access token and persists it
func (s *SyncService) RefreshToken(ctx context.Context) error {
	txn := s.tracer.StartTransaction("refresh-token")
	defer s.tracer.EndTransaction(txn)

	if _, err := s.tokens.Refresh(ctx); err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}
	return nil
}

// decodeBatch feeds each raw row of a batch to decode, counting failures.
// Five consecutive failures skip the remainder of the batch; the job then
// advances to the next one.
func (s *SyncService) decodeBatch(job string, batch []json.RawMessage, summary *RunSummary, decode func(raw json.RawMessage) error) {
	consecutive := 0
	for i, raw := range batch {
		if err := decode(raw); err != nil {
			summary.Count.Error++
			s.metrics.IncrementCounter(metrics.SyncRowErrors)
			log.Warn().Err(err).Str("job", job).Msg("Failed to decode upstream row")

			consecutive++
			if consecutive >= consecutiveFailureLimit {
				skipped := len(batch) - i - 1
				summary.Count.Error += skipped
				log.Warn().Str("job", job).Int("skipped", skipped).
					Msg("Too many consecutive row failures, skipping rest of batch")
				return
			}
			continue
		}
		consecutive = 0
	}
}

// SyncProducts mirrors all products with their per-branch inventories.
// Categories sighted on products are created as skeleton rows so that
// category references always resolve.
func (s *SyncService) SyncProducts(ctx context.Context) *RunSummary {
	summary := newRunSummary("products")
	txn := s.tracer.StartTransaction("sync-products")
	defer s.tracer.EndTransaction(txn)

	query := url.Values{}
	query.Set("includeInventory", "true")
	query.Set("orderBy", "id")

	rows, err := s.client.PageAll(ctx, "/products", query, pos.PageOptions{})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return summary.fail(errors.Wrap(err, "product pagination failed"))
	}
	summary.Count.Total = len(rows)
	if len(rows) == 0 {
		return summary.empty()
	}

	now := time.Now()
	seen := make(map[int64]bool, len(rows))
	categories := make(map[int64]models.Category)

	for start := 0; start < len(rows); start += productBatchSize {
		end := start + productBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		var dtos []pos.Product
		s.decodeBatch("products", rows[start:end], summary, func(raw json.RawMessage) error {
			var dto pos.Product
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

		batch := make([]models.Product, 0, len(dtos))
		ids := make([]int64, 0, len(dtos))
		for _, dto := range dtos {
			batch = append(batch, mapProduct(dto, now))
			ids = append(ids, dto.ID)
			if dto.CategoryID != 0 {
				categories[dto.CategoryID] = models.Category{
					UpstreamID: dto.CategoryID,
					Name:       dto.CategoryName,
				}
			}
		}

		if err := s.productRepo.UpsertBatch(ctx, batch, productBatchSize); err != nil {
			summary.Count.Error += len(batch)
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).Int("rows", len(batch)).Msg("Product batch upsert failed")
			continue
		}

		// Resolve internal ids for the child replacement
		mirrored, err := s.productRepo.FindByUpstreamIDs(ctx, ids)
		if err != nil {
			summary.Count.Error += len(batch)
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).Msg("Failed to resolve mirrored product ids")
			continue
		}
		internalIDs := make(map[int64]uint, len(mirrored))
		for _, p := range mirrored {
			internalIDs[p.UpstreamID] = p.ID
		}

		for _, dto := range dtos {
			productID, ok := internalIDs[dto.ID]
			if !ok {
				summary.Count.Error++
				continue
			}
			inventories := mapInventories(dto.Inventories, productID, now)
			if err := s.productRepo.ReplaceInventories(ctx, productID, inventories); err != nil {
				summary.Count.Error++
				log.Warn().Err(err).Int64("upstream_id", dto.ID).Msg("Inventory replacement failed")
				continue
			}
			summary.Count.Success++
			summary.Count.Children += len(inventories)
		}
	}

	if len(categories) > 0 {
		skeletons := make([]models.Category, 0, len(categories))
		for _, c := range categories {
			skeletons = append(skeletons, c)
		}
		if err := s.categoryRepo.UpsertSkeletons(ctx, skeletons); err != nil {
			log.Warn().Err(err).Msg("Category skeleton upsert failed")
		}
	}

	s.metrics.IncrementCounterBy(metrics.SyncRowsUpserted, int64(summary.Count.Success))
	log.Info().Str("run_id", summary.RunID).Int("total", summary.Count.Total).
		Int("success", summary.Count.Success).Int("errors", summary.Count.Error).
		Msg("Product sync finished")
	return summary.finish()
}

// SyncCategories mirrors the category tree
func (s *SyncService) SyncCategories(ctx context.Context) *RunSummary {
	summary := newRunSummary("categories")
	txn := s.tracer.StartTransaction("sync-categories")
	defer s.tracer.EndTransaction(txn)

	rows, err := s.client.PageAll(ctx, "/categories", url.Values{}, pos.PageOptions{})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return summary.fail(errors.Wrap(err, "category pagination failed"))
	}
	summary.Count.Total = len(rows)
	if len(rows) == 0 {
		return summary.empty()
	}

	now := time.Now()
	seen := make(map[int64]bool, len(rows))

	for start := 0; start < len(rows); start += categoryBatchSize {
		end := start + categoryBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		var batch []models.Category
		s.decodeBatch("categories", rows[start:end], summary, func(raw json.RawMessage) error {
			var dto pos.Category
			if err := json.Unmarshal(raw, &dto); err != nil {
				return err
			}
			if seen[dto.ID] {
				return nil
			}
			seen[dto.ID] = true
			batch = append(batch, models.Category{
				UpstreamID: dto.ID,
				Name:       dto.Name,
				Rank:       dto.Rank,
				ParentID:   dto.ParentID,
				SyncedAt:   &now,
			})
			return nil
		})
		if len(batch) == 0 {
			continue
		}

		if err := s.categoryRepo.UpsertBatch(ctx, batch, categoryBatchSize); err != nil {
			summary.Count.Error += len(batch)
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).Msg("Category batch upsert failed")
			continue
		}
		summary.Count.Success += len(batch)
	}

	s.metrics.IncrementCounterBy(metrics.SyncRowsUpserted, int64(summary.Count.Success))
	return summary.finish()
}

// SyncCustomers mirrors all customers
func (s *SyncService) SyncCustomers(ctx context.Context) *RunSummary {
	summary := newRunSummary("customers")
	txn := s.tracer.StartTransaction("sync-customers")
	defer s.tracer.EndTransaction(txn)

	query := url.Values{}
	query.Set("includeCustomerGroup", "true")

	rows, err := s.client.PageAll(ctx, "/customers", query, pos.PageOptions{})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return summary.fail(errors.Wrap(err, "customer pagination failed"))
	}
	summary.Count.Total = len(rows)
	if len(rows) == 0 {
		return summary.empty()
	}

	now := time.Now()
	seen := make(map[int64]bool, len(rows))

	for start := 0; start < len(rows); start += customerBatchSize {
		end := start + customerBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		var batch []models.Customer
		s.decodeBatch("customers", rows[start:end], summary, func(raw json.RawMessage) error {
			var dto pos.Customer
			if err := json.Unmarshal(raw, &dto); err != nil {
				return err
			}
			if seen[dto.ID] {
				return nil
			}
			seen[dto.ID] = true
			batch = append(batch, models.Customer{
				UpstreamID:    dto.ID,
				Code:          dto.Code,
				Name:          dto.Name,
				BranchID:      dto.BranchID,
				ContactNumber: dto.ContactNumber,
				Address:       dto.Address,
				Groups:        dto.Groups,
				Debt:          dto.Debt,
				ModifiedDate:  dto.ModifiedDate.Ptr(),
				SyncedAt:      &now,
			})
			return nil
		})
		if len(batch) == 0 {
			continue
		}

		if err := s.customerRepo.UpsertBatch(ctx, batch, customerBatchSize); err != nil {
			summary.Count.Error += len(batch)
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).Msg("Customer batch upsert failed")
			continue
		}
		summary.Count.Success += len(batch)
	}

	s.metrics.IncrementCounterBy(metrics.SyncRowsUpserted, int64(summary.Count.Success))
	return summary.finish()
}

// SyncPricebooks mirrors price books and their per-product overrides
func (s *SyncService) SyncPricebooks(ctx context.Context) *RunSummary {
	summary := newRunSummary("pricebooks")
	txn := s.tracer.StartTransaction("sync-pricebooks")
	defer s.tracer.EndTransaction(txn)

	rows, err := s.client.PageAll(ctx, "/pricebooks", url.Values{}, pos.PageOptions{})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return summary.fail(errors.Wrap(err, "pricebook pagination failed"))
	}
	summary.Count.Total = len(rows)
	if len(rows) == 0 {
		return summary.empty()
	}

	now := time.Now()
	seen := make(map[int64]bool, len(rows))

	for start := 0; start < len(rows); start += pricebookBatchSize {
		end := start + pricebookBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		var dtos []pos.Pricebook
		s.decodeBatch("pricebooks", rows[start:end], summary, func(raw json.RawMessage) error {
			var dto pos.Pricebook
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

		batch := make([]models.Pricebook, 0, len(dtos))
		ids := make([]int64, 0, len(dtos))
		for _, dto := range dtos {
			batch = append(batch, mapPricebook(dto, now))
			ids = append(ids, dto.ID)
		}

		if err := s.pricebookRepo.UpsertBatch(ctx, batch, pricebookBatchSize); err != nil {
			summary.Count.Error += len(batch)
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).Msg("Pricebook batch upsert failed")
			continue
		}

		mirrored, err := s.pricebookRepo.FindByUpstreamIDs(ctx, ids)
		if err != nil {
			summary.Count.Error += len(batch)
			s.tracer.RecordError(txn, err)
			continue
		}
		internalIDs := make(map[int64]uint, len(mirrored))
		for _, b := range mirrored {
			internalIDs[b.UpstreamID] = b.ID
		}

		for _, dto := range dtos {
			bookID, ok := internalIDs[dto.ID]
			if !ok {
				summary.Count.Error++
				continue
			}
			prices, err := s.fetchPricebookPrices(ctx, dto.ID, bookID)
			if err != nil {
				summary.Count.Error++
				log.Warn().Err(err).Int64("upstream_id", dto.ID).Msg("Pricebook price fetch failed")
				continue
			}
			if err := s.pricebookRepo.ReplacePrices(ctx, bookID, prices); err != nil {
				summary.Count.Error++
				log.Warn().Err(err).Int64("upstream_id", dto.ID).Msg("Pricebook price replacement failed")
				continue
			}
			summary.Count.Success++
			summary.Count.Children += len(prices)
		}
	}

	s.metrics.IncrementCounterBy(metrics.SyncRowsUpserted, int64(summary.Count.Success))
	return summary.finish()
}

// fetchPricebookPrices pages the per-product overrides of one price book
func (s *SyncService) fetchPricebookPrices(ctx context.Context, upstreamID int64, pricebookID uint) ([]models.PricebookProduct, error) {
	rows, err := s.client.PageAll(ctx, "/pricebooks/"+strconv.FormatInt(upstreamID, 10), url.Values{}, pos.PageOptions{})
	if err != nil {
		return nil, err
	}

	prices := make([]models.PricebookProduct, 0, len(rows))
	for _, raw := range rows {
		var dto pos.PricebookProduct
		if err := json.Unmarshal(raw, &dto); err != nil {
			log.Warn().Err(err).Int64("pricebook", upstreamID).Msg("Failed to decode pricebook price row")
			continue
		}
		prices = append(prices, models.PricebookProduct{
			PricebookID:       pricebookID,
			ProductUpstreamID: dto.ProductID,
			Price:             dto.Price,
		})
	}
	return prices, nil
}

// SweepResult captures one full daily sweep
type SweepResult struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Aborted   bool          `json:"aborted"`
	Summaries []*RunSummary `json:"summaries"`
}

// RunSweep executes the daily job sequence in fixed order. A fatal (job-level)
// failure skips all remaining steps; row-level errors do not. Categories run
// first so product category references resolve, and products run before
// invoices so invoice lines can resolve mirrored products.
func (s *SyncService) RunSweep(ctx context.Context) *SweepResult {
	result := &SweepResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}

	today := time.Now().In(s.location)
	from := today.AddDate(0, -s.sweepMonthsBack, 0)

	steps := []struct {
		name string
		run  func(context.Context) *RunSummary
	}{
		{"categories", s.SyncCategories},
		{"products", s.SyncProducts},
		{"pricebooks", s.SyncPricebooks},
		{"customers", s.SyncCustomers},
		{"invoices", func(ctx context.Context) *RunSummary { return s.SyncInvoicesByDay(ctx, today) }},
		{"purchaseorders", func(ctx context.Context) *RunSummary { return s.SyncPurchaseOrders(ctx, from, today) }},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			result.Aborted = true
			break
		}

		summary := step.run(ctx)
		result.Summaries = append(result.Summaries, summary)

		if !summary.Success {
			log.Error().Str("job", step.name).Str("message", summary.Message).
				Msg("Sweep step failed, skipping remaining steps")
			result.Aborted = true
			break
		}
	}

	result.Duration = time.Since(result.StartedAt)
	log.Info().Str("run_id", result.RunID).Dur("duration", result.Duration).
		Bool("aborted", result.Aborted).Int("steps", len(result.Summaries)).
		Msg("Daily sweep finished")
	return result
}

// mapProduct converts an upstream product row to its mirror form
func mapProduct(dto pos.Product, now time.Time) models.Product {
	p := models.Product{
		UpstreamID:      dto.ID,
		Code:            dto.Code,
		Barcode:         dto.Barcode,
		Name:            dto.Name,
		FullName:        dto.FullName,
		CategoryID:      dto.CategoryID,
		CategoryName:    dto.CategoryName,
		BasePrice:       dto.BasePrice,
		Unit:            dto.Unit,
		Weight:          dto.Weight,
		ConversionValue: dto.ConversionValue,
		MasterProductID: dto.MasterProductID,
		IsActive:        dto.IsActive,
		OrderTemplate:   dto.OrderTemplate,
		Description:     dto.Description,
		Trademark:       dto.Trademark,
		ModifiedDate:    dto.ModifiedDate.Ptr(),
		CreatedDate:     dto.CreatedDate.Ptr(),
		SyncedAt:        &now,
	}
	if len(dto.Images) > 0 {
		if images, err := json.Marshal(dto.Images); err == nil {
			p.Images = images
		}
	}
	return p
}

// mapInventories converts the nested inventory blocks of one product
func mapInventories(dtos []pos.ProductInventory, productID uint, now time.Time) []models.Inventory {
	out := make([]models.Inventory, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, models.Inventory{
			ProductID:   productID,
			BranchID:    dto.BranchID,
			BranchName:  dto.BranchName,
			Cost:        dto.Cost,
			OnHand:      dto.OnHand,
			Reserved:    dto.Reserved,
			MinQuantity: dto.MinQuantity,
			MaxQuantity: dto.MaxQuantity,
			OnOrder:     dto.OnOrder,
			SyncedAt:    &now,
		})
	}
	return out
}

// mapPricebook converts an upstream price book row to its mirror form
func mapPricebook(dto pos.Pricebook, now time.Time) models.Pricebook {
	groups := make([]string, 0, len(dto.CustomerGroups))
	for _, g := range dto.CustomerGroups {
		if g.Name != "" {
			groups = append(groups, g.Name)
		}
	}
	return models.Pricebook{
		UpstreamID:     dto.ID,
		Name:           dto.Name,
		IsActive:       dto.IsActive,
		IsGlobal:       dto.IsGlobal,
		StartDate:      dto.StartDate.Ptr(),
		EndDate:        dto.EndDate.Ptr(),
		CustomerGroups: strings.Join(groups, ","),
		SyncedAt:       &now,
	}
}
