package repositories

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"example.com/backstage/services/possync/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialTitle is the row under which the upstream POS token is stored
const CredentialTitle = "upstream_pos"

// ProductRepository provides access to mirrored products and their inventories
type ProductRepository struct {
	db *gorm.DB
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// WithTx returns a repository bound to the given transaction
func (r *ProductRepository) WithTx(tx *gorm.DB) *ProductRepository {
	return &ProductRepository{db: tx}
}

// UpsertBatch writes products keyed on upstream_id, preserving annotations
func (r *ProductRepository) UpsertBatch(ctx context.Context, products []models.Product, batchSize int) error {
	if len(products) == 0 {
		return nil
	}
	return upsertPreservingAnnotations(ctx, r.db, &models.Product{}, products, "upstream_id", batchSize)
}

// FindByUpstreamIDs loads the mirror rows for the given upstream ids
func (r *ProductRepository) FindByUpstreamIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var products []models.Product
	err := r.db.WithContext(ctx).Where("upstream_id IN ?", ids).Find(&products).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find products by upstream ids")
	}
	return products, nil
}

// GetByUpstreamID loads one product by its natural key
func (r *ProductRepository) GetByUpstreamID(ctx context.Context, upstreamID int64) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).Where("upstream_id = ?", upstreamID).First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get product by upstream id")
	}
	return &product, nil
}

// UpdateFields applies a targeted patch to one product, leaving every other
// column untouched
func (r *ProductRepository) UpdateFields(ctx context.Context, upstreamID int64, patch map[string]interface{}) error {
	if len(patch) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("upstream_id = ?", upstreamID).
		Updates(patch).Error
	if err != nil {
		return errors.Wrap(err, "failed to update product fields")
	}
	return nil
}

// ReplaceInventories swaps the full inventory set of a product. Branches
// absent from rows disappear; partial diffs across branches are not tracked.
func (r *ProductRepository) ReplaceInventories(ctx context.Context, productID uint, rows []models.Inventory) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", productID).Delete(&models.Inventory{}).Error; err != nil {
			return errors.Wrap(err, "failed to delete existing inventories")
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return errors.Wrap(err, "failed to insert inventories")
		}
		return nil
	})
	return err
}

// GetInventory loads the inventory row of a product on one branch
func (r *ProductRepository) GetInventory(ctx context.Context, productID uint, branchID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND branch_id = ?", productID, branchID).
		First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get inventory")
	}
	return &inv, nil
}

// CreateInventory inserts a single inventory row
func (r *ProductRepository) CreateInventory(ctx context.Context, inv *models.Inventory) error {
	if err := r.db.WithContext(ctx).Create(inv).Error; err != nil {
		return errors.Wrap(err, "failed to create inventory")
	}
	return nil
}

// UpdateInventory applies a targeted patch to one inventory row
func (r *ProductRepository) UpdateInventory(ctx context.Context, id uint, patch map[string]interface{}) error {
	if len(patch) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&models.Inventory{}).
		Where("id = ?", id).
		Updates(patch).Error
	if err != nil {
		return errors.Wrap(err, "failed to update inventory")
	}
	return nil
}

// CategoryRepository provides access to mirrored categories
type CategoryRepository struct {
	db *gorm.DB
}

// NewCategoryRepository creates a new category repository
func NewCategoryRepository(db *gorm.DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

// WithTx returns a repository bound to the given transaction
func (r *CategoryRepository) WithTx(tx *gorm.DB) *CategoryRepository {
	return &CategoryRepository{db: tx}
}

// UpsertBatch writes categories keyed on upstream_id, preserving annotations
func (r *CategoryRepository) UpsertBatch(ctx context.Context, categories []models.Category, batchSize int) error {
	if len(categories) == 0 {
		return nil
	}
	return upsertPreservingAnnotations(ctx, r.db, &models.Category{}, categories, "upstream_id", batchSize)
}

// UpsertSkeletons inserts category rows observed indirectly (e.g. on a synced
// product) without overwriting anything the category sync already wrote
func (r *CategoryRepository) UpsertSkeletons(ctx context.Context, categories []models.Category) error {
	if len(categories) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "upstream_id"}},
			DoNothing: true,
		}).
		Create(&categories).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert category skeletons")
	}
	return nil
}

// CustomerRepository provides access to mirrored customers
type CustomerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository creates a new customer repository
func NewCustomerRepository(db *gorm.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

// UpsertBatch writes customers keyed on upstream_id
func (r *CustomerRepository) UpsertBatch(ctx context.Context, customers []models.Customer, batchSize int) error {
	if len(customers) == 0 {
		return nil
	}
	return upsertPreservingAnnotations(ctx, r.db, &models.Customer{}, customers, "upstream_id", batchSize)
}

// InvoiceRepository provides access to mirrored invoices and their lines
type InvoiceRepository struct {
	db *gorm.DB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *gorm.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// UpsertBatch writes invoices keyed on upstream_id. The sale channel column
// is skipped on conflict: only the singleton endpoint carries it, and a
// collection pass must not blank out a previously stored value.
func (r *InvoiceRepository) UpsertBatch(ctx context.Context, invoices []models.Invoice, batchSize int) error {
	if len(invoices) == 0 {
		return nil
	}
	return upsertPreservingAnnotations(ctx, r.db, &models.Invoice{}, invoices, "upstream_id", batchSize,
		"sale_channel_name")
}

// SetSaleChannel records the sale channel of one mirrored invoice
func (r *InvoiceRepository) SetSaleChannel(ctx context.Context, upstreamID int64, name string) error {
	err := r.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("upstream_id = ?", upstreamID).
		Update("sale_channel_name", name).Error
	if err != nil {
		return errors.Wrap(err, "failed to set invoice sale channel")
	}
	return nil
}

// FindByUpstreamIDs loads the mirror rows for the given upstream ids
func (r *InvoiceRepository) FindByUpstreamIDs(ctx context.Context, ids []int64) ([]models.Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).Where("upstream_id IN ?", ids).Find(&invoices).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find invoices by upstream ids")
	}
	return invoices, nil
}

// ReplaceLines swaps the full line set of an invoice
func (r *InvoiceRepository) ReplaceLines(ctx context.Context, invoiceID uint, lines []models.InvoiceLine) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("invoice_id = ?", invoiceID).Delete(&models.InvoiceLine{}).Error; err != nil {
			return errors.Wrap(err, "failed to delete existing invoice lines")
		}
		if len(lines) == 0 {
			return nil
		}
		if err := tx.Create(&lines).Error; err != nil {
			return errors.Wrap(err, "failed to insert invoice lines")
		}
		return nil
	})
	return err
}

// PurchaseOrderRepository provides access to mirrored purchase orders
type PurchaseOrderRepository struct {
	db *gorm.DB
}

// NewPurchaseOrderRepository creates a new purchase order repository
func NewPurchaseOrderRepository(db *gorm.DB) *PurchaseOrderRepository {
	return &PurchaseOrderRepository{db: db}
}

// ExistingUpstreamIDs reports which of the given upstream ids are already
// mirrored. Purchase orders are immutable once synced, so callers skip these.
func (r *PurchaseOrderRepository) ExistingUpstreamIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	if len(ids) == 0 {
		return map[int64]bool{}, nil
	}
	var existing []int64
	err := r.db.WithContext(ctx).Model(&models.PurchaseOrder{}).
		Where("upstream_id IN ?", ids).
		Pluck("upstream_id", &existing).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list existing purchase orders")
	}
	out := make(map[int64]bool, len(existing))
	for _, id := range existing {
		out[id] = true
	}
	return out, nil
}

// InsertBatch inserts new purchase orders. Conflicts are ignored so a
// concurrent pass cannot overwrite an already-mirrored order.
func (r *PurchaseOrderRepository) InsertBatch(ctx context.Context, orders []models.PurchaseOrder, batchSize int) error {
	if len(orders) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "upstream_id"}},
			DoNothing: true,
		}).
		CreateInBatches(orders, batchSize).Error
	if err != nil {
		return errors.Wrap(err, "failed to insert purchase orders")
	}
	return nil
}

// FindByUpstreamIDs loads the mirror rows for the given upstream ids
func (r *PurchaseOrderRepository) FindByUpstreamIDs(ctx context.Context, ids []int64) ([]models.PurchaseOrder, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var orders []models.PurchaseOrder
	err := r.db.WithContext(ctx).Where("upstream_id IN ?", ids).Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find purchase orders by upstream ids")
	}
	return orders, nil
}

// InsertLines inserts line rows for newly mirrored purchase orders
func (r *PurchaseOrderRepository) InsertLines(ctx context.Context, lines []models.PurchaseOrderLine) error {
	if len(lines) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&lines).Error; err != nil {
		return errors.Wrap(err, "failed to insert purchase order lines")
	}
	return nil
}

// PricebookRepository provides access to mirrored price books
type PricebookRepository struct {
	db *gorm.DB
}

// NewPricebookRepository creates a new pricebook repository
func NewPricebookRepository(db *gorm.DB) *PricebookRepository {
	return &PricebookRepository{db: db}
}

// UpsertBatch writes price books keyed on upstream_id
func (r *PricebookRepository) UpsertBatch(ctx context.Context, books []models.Pricebook, batchSize int) error {
	if len(books) == 0 {
		return nil
	}
	return upsertPreservingAnnotations(ctx, r.db, &models.Pricebook{}, books, "upstream_id", batchSize)
}

// FindByUpstreamIDs loads the mirror rows for the given upstream ids
func (r *PricebookRepository) FindByUpstreamIDs(ctx context.Context, ids []int64) ([]models.Pricebook, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var books []models.Pricebook
	err := r.db.WithContext(ctx).Where("upstream_id IN ?", ids).Find(&books).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find pricebooks by upstream ids")
	}
	return books, nil
}

// ReplacePrices swaps the full price override set of a price book
func (r *PricebookRepository) ReplacePrices(ctx context.Context, pricebookID uint, rows []models.PricebookProduct) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pricebook_id = ?", pricebookID).Delete(&models.PricebookProduct{}).Error; err != nil {
			return errors.Wrap(err, "failed to delete existing pricebook prices")
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return errors.Wrap(err, "failed to insert pricebook prices")
		}
		return nil
	})
	return err
}

// ChangeLogRepository provides access to the append-only change ledger
type ChangeLogRepository struct {
	db *gorm.DB
}

// NewChangeLogRepository creates a new change log repository
func NewChangeLogRepository(db *gorm.DB) *ChangeLogRepository {
	return &ChangeLogRepository{db: db}
}

// WithTx returns a repository bound to the given transaction
func (r *ChangeLogRepository) WithTx(tx *gorm.DB) *ChangeLogRepository {
	return &ChangeLogRepository{db: tx}
}

// Append writes ledger entries. The ledger is never updated in place.
func (r *ChangeLogRepository) Append(ctx context.Context, entries []models.ChangeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return errors.Wrap(err, "failed to append change log entries")
	}
	return nil
}

// Find returns ledger entries for a product, optionally restricted to one
// calendar day, newest first
func (r *ChangeLogRepository) Find(ctx context.Context, upstreamID int64, day *time.Time, limit int) ([]models.ChangeLogEntry, error) {
	q := r.db.WithContext(ctx).Model(&models.ChangeLogEntry{})
	if upstreamID != 0 {
		q = q.Where("upstream_id = ?", upstreamID)
	}
	if day != nil {
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
		q = q.Where("created_at >= ? AND created_at < ?", start, start.AddDate(0, 0, 1))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.ChangeLogEntry
	if err := q.Order("created_at DESC").Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query change log")
	}
	return entries, nil
}

// credentialValue is the structured form of a stored credential
type credentialValue struct {
	Token     string    `json:"token"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialRepository persists named secrets, in particular the upstream POS
// bearer token under CredentialTitle
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Read returns the stored token. The value may be a bare token string
// (legacy) or a JSON object {token, expires_in, expires_at}; both decode.
func (r *CredentialRepository) Read(ctx context.Context) (string, error) {
	var cred models.Credential
	err := r.db.WithContext(ctx).Where("title = ?", CredentialTitle).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrCredentialMissing
		}
		return "", errors.Wrap(err, "failed to read credential")
	}
	return parseCredentialValue(cred.Value)
}

// parseCredentialValue accepts both storage forms of a credential: the bare
// token string written by earlier deployments and the structured JSON object
func parseCredentialValue(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrCredentialMissing
	}
	if strings.HasPrefix(value, "{") {
		var structured credentialValue
		if err := json.Unmarshal([]byte(value), &structured); err != nil || structured.Token == "" {
			return "", ErrCredentialMissing
		}
		return structured.Token, nil
	}
	return value, nil
}

// Write replaces the stored token atomically, recording its absolute expiry
func (r *CredentialRepository) Write(ctx context.Context, token string, expiresIn int64) error {
	value, err := json.Marshal(credentialValue{
		Token:     token,
		ExpiresIn: expiresIn,
		ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode credential value")
	}

	cred := models.Credential{Title: CredentialTitle, Value: string(value)}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "title"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&cred).Error
	if err != nil {
		return errors.Wrap(err, "failed to write credential")
	}
	return nil
}
