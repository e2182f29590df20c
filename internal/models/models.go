package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Annotation columns are the locally-authored merchandising fields layered on
// top of mirrored upstream data. Their struct names all start with "Local" so
// the default naming strategy maps them to "local_"-prefixed columns, which is
// how the upsert layer recognises and protects them.

// Product mirrors an upstream POS product
type Product struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	UpstreamID      int64      `gorm:"not null;uniqueIndex" json:"upstream_id"`
	Code            string     `gorm:"index" json:"code"`
	Barcode         string     `json:"barcode"`
	Name            string     `json:"name"`
	FullName        string     `json:"full_name"`
	CategoryID      int64      `gorm:"index" json:"category_id"`
	CategoryName    string     `json:"category_name"`
	BasePrice       float64    `json:"base_price"`
	Unit            string     `json:"unit"`
	Weight          float64    `json:"weight"`
	ConversionValue float64    `json:"conversion_value"`
	MasterProductID *int64     `json:"master_product_id"`
	IsActive        bool       `json:"is_active"`
	OrderTemplate   string     `json:"order_template"`
	Description     string     `gorm:"type:text" json:"description"`
	Trademark       string     `json:"trademark"`
	Images          []byte     `gorm:"type:jsonb" json:"images"`
	ModifiedDate    *time.Time `json:"modified_date"`
	CreatedDate     *time.Time `json:"created_date"`
	SyncedAt        *time.Time `json:"synced_at"`

	LocalSlug           string     `gorm:"index" json:"local_slug"`
	LocalTags           string     `json:"local_tags"`
	LocalVisibility     bool       `gorm:"not null;default:true" json:"local_visibility"`
	LocalSortOrder      int        `gorm:"not null;default:0" json:"local_sort_order"`
	LocalColorBorder    string     `json:"local_color_border"`
	LocalThumbnailTitle string     `json:"local_thumbnail_title"`
	LocalGallery        []byte     `gorm:"type:jsonb" json:"local_gallery"`
	LocalImageVersion   int        `gorm:"not null;default:0" json:"local_image_version"`
	LocalUpdatedAt      *time.Time `json:"local_updated_at"`

	Inventories []Inventory `gorm:"foreignKey:ProductID" json:"-"`
}

// Inventory is the per-branch stock row of a product. The set of rows for a
// product is replaced wholesale on every sync.
type Inventory struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	ProductID   uint       `gorm:"not null;uniqueIndex:idx_inventories_product_branch" json:"product_id"`
	BranchID    int64      `gorm:"not null;uniqueIndex:idx_inventories_product_branch" json:"branch_id"`
	BranchName  string     `json:"branch_name"`
	Cost        float64    `json:"cost"`
	OnHand      float64    `json:"on_hand"`
	Reserved    float64    `json:"reserved"`
	MinQuantity float64    `json:"min_quantity"`
	MaxQuantity float64    `json:"max_quantity"`
	OnOrder     float64    `json:"on_order"`
	SyncedAt    *time.Time `json:"synced_at"`
}

// Category mirrors an upstream product category
type Category struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	UpstreamID int64      `gorm:"not null;uniqueIndex" json:"upstream_id"`
	Name       string     `json:"name"`
	Rank       int        `json:"rank"`
	ParentID   int64      `json:"parent_id"`
	SyncedAt   *time.Time `json:"synced_at"`

	LocalIsActive    bool   `gorm:"not null;default:true" json:"local_is_active"`
	LocalColorBorder string `json:"local_color_border"`
}

// Customer mirrors an upstream customer
type Customer struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	UpstreamID    int64      `gorm:"not null;uniqueIndex" json:"upstream_id"`
	Code          string     `gorm:"index" json:"code"`
	Name          string     `json:"name"`
	BranchID      int64      `json:"branch_id"`
	ContactNumber string     `json:"contact_number"`
	Address       string     `json:"address"`
	Groups        string     `json:"groups"`
	Debt          float64    `json:"debt"`
	ModifiedDate  *time.Time `json:"modified_date"`
	SyncedAt      *time.Time `json:"synced_at"`
}

// Invoice mirrors an upstream sales invoice
type Invoice struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	UpstreamID      int64      `gorm:"not null;uniqueIndex" json:"upstream_id"`
	UUID            string     `json:"uuid"`
	Code            string     `gorm:"index" json:"code"`
	PurchaseDate    *time.Time `gorm:"index" json:"purchase_date"`
	BranchID        int64      `json:"branch_id"`
	SoldByID        int64      `json:"sold_by_id"`
	SoldByName      string     `json:"sold_by_name"`
	CustomerID      *int64     `json:"customer_id"`
	CustomerCode    string     `json:"customer_code"`
	CustomerName    string     `json:"customer_name"`
	OrderCode       string     `json:"order_code"`
	Total           float64    `json:"total"`
	TotalPayment    float64    `json:"total_payment"`
	Discount        float64    `json:"discount"`
	Status          int        `json:"status"`
	StatusValue     string     `json:"status_value"`
	SaleChannelName string     `json:"sale_channel_name"`
	Description     string     `gorm:"type:text" json:"description"`
	ModifiedDate    *time.Time `json:"modified_date"`
	SyncedAt        *time.Time `json:"synced_at"`

	Lines []InvoiceLine `gorm:"foreignKey:InvoiceID" json:"-"`
}

// InvoiceLine is a detail row of an invoice. Lines are replaced wholesale
// whenever their invoice is synced.
type InvoiceLine struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	InvoiceID      uint      `gorm:"not null;index" json:"invoice_id"`
	ProductID      int64     `json:"product_id"`
	ProductCode    string    `json:"product_code"`
	ProductName    string    `json:"product_name"`
	CategoryName   string    `json:"category_name"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	Discount       float64   `json:"discount"`
	SubTotal       float64   `json:"sub_total"`
	Note           string    `json:"note"`
	SerialNumbers  string    `json:"serial_numbers"`
	ReturnQuantity float64   `json:"return_quantity"`
}

// PurchaseOrder mirrors an upstream purchase order. Orders are immutable once
// synced: existing rows are skipped on later passes.
type PurchaseOrder struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	UpstreamID   int64      `gorm:"not null;uniqueIndex" json:"upstream_id"`
	Code         string     `gorm:"index" json:"code"`
	BranchID     int64      `json:"branch_id"`
	PurchaseDate *time.Time `json:"purchase_date"`
	SupplierID   int64      `json:"supplier_id"`
	SupplierCode string     `json:"supplier_code"`
	SupplierName string     `json:"supplier_name"`
	Discount     float64    `json:"discount"`
	Total        float64    `json:"total"`
	TotalPayment float64    `json:"total_payment"`
	Status       int        `json:"status"`
	Description  string     `gorm:"type:text" json:"description"`
	SyncedAt     *time.Time `json:"synced_at"`

	Lines []PurchaseOrderLine `gorm:"foreignKey:PurchaseOrderID" json:"-"`
}

// PurchaseOrderLine is a detail row of a purchase order
type PurchaseOrderLine struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	PurchaseOrderID uint       `gorm:"not null;index" json:"purchase_order_id"`
	ProductID       int64      `json:"product_id"`
	ProductCode     string     `json:"product_code"`
	ProductName     string     `json:"product_name"`
	Quantity        float64    `json:"quantity"`
	Price           float64    `json:"price"`
	Discount        float64    `json:"discount"`
	BatchName       string     `json:"batch_name"`
	ExpiryDate      *time.Time `json:"expiry_date"`
}

// Pricebook mirrors an upstream price book
type Pricebook struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	UpstreamID     int64      `gorm:"not null;uniqueIndex" json:"upstream_id"`
	Name           string     `json:"name"`
	IsActive       bool       `json:"is_active"`
	IsGlobal       bool       `json:"is_global"`
	StartDate      *time.Time `json:"start_date"`
	EndDate        *time.Time `json:"end_date"`
	CustomerGroups string     `json:"customer_groups"`
	SyncedAt       *time.Time `json:"synced_at"`

	Prices []PricebookProduct `gorm:"foreignKey:PricebookID" json:"-"`
}

// PricebookProduct is a per-product price override inside a price book. The
// set of rows for a price book is replaced wholesale on every sync.
type PricebookProduct struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	PricebookID       uint      `gorm:"not null;uniqueIndex:idx_pricebook_product" json:"pricebook_id"`
	ProductUpstreamID int64     `gorm:"not null;uniqueIndex:idx_pricebook_product" json:"product_upstream_id"`
	Price             float64   `json:"price"`
}

// ChangeLogEntry is an append-only record of a field change observed on a
// webhook delivery. Entries are written before the mirror row is touched.
type ChangeLogEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpstreamID int64     `gorm:"not null;index" json:"upstream_id"`
	FieldName  string    `gorm:"not null;index" json:"field_name"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
}

// TableName overrides the default table name for ChangeLogEntry
func (ChangeLogEntry) TableName() string {
	return "change_logs"
}

// Credential is a named secret persisted across restarts, e.g. the upstream
// POS access token.
type Credential struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Title     string    `gorm:"not null;uniqueIndex" json:"title"`
	Value     string    `gorm:"type:text" json:"-"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Product{},
		&Inventory{},
		&Category{},
		&Customer{},
		&Invoice{},
		&InvoiceLine{},
		&PurchaseOrder{},
		&PurchaseOrderLine{},
		&Pricebook{},
		&PricebookProduct{},
		&ChangeLogEntry{},
		&Credential{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
