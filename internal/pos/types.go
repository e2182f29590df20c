package pos

import (
	"encoding/json"
	"strings"
	"time"
)

// Key conventions, per endpoint:
//   - collection endpoints (/products, /customers, /invoices, /purchaseorders,
//     /pricebooks) return camelCase keys inside a {data, total, pageSize}
//     envelope;
//   - the singleton invoice (/invoices/code/{code}) additionally carries a
//     PascalCase "SaleChannel" object;
//   - webhook envelopes are PascalCase throughout.
// The DTOs below are the only types that touch upstream JSON; nothing past
// this package handles raw maps.

// Page is the envelope of every upstream collection response
type Page struct {
	Total    int               `json:"total"`
	PageSize int               `json:"pageSize"`
	Data     []json.RawMessage `json:"data"`
}

// Time decodes upstream timestamps. The upstream emits both RFC3339 and
// zone-less values; zone-less values are interpreted in the location set via
// SetLocation (the retailer's business time zone).
type Time struct {
	time.Time
}

var upstreamLocation = time.UTC

// SetLocation sets the location used for zone-less upstream timestamps.
// Call once at startup, before any decoding.
func SetLocation(loc *time.Location) {
	if loc != nil {
		upstreamLocation = loc
	}
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// UnmarshalJSON implements json.Unmarshaler
func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	var lastErr error
	for _, layout := range naiveLayouts {
		parsed, err := time.ParseInLocation(layout, s, upstreamLocation)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Ptr returns the wrapped time as *time.Time, nil when zero
func (t *Time) Ptr() *time.Time {
	if t == nil || t.Time.IsZero() {
		return nil
	}
	tt := t.Time
	return &tt
}

// TokenResponse is the auth endpoint's grant response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Product is an upstream product row
type Product struct {
	ID              int64              `json:"id"`
	Code            string             `json:"code"`
	Barcode         string             `json:"barcode"`
	Name            string             `json:"name"`
	FullName        string             `json:"fullName"`
	CategoryID      int64              `json:"categoryId"`
	CategoryName    string             `json:"categoryName"`
	BasePrice       float64            `json:"basePrice"`
	Unit            string             `json:"unit"`
	Weight          float64            `json:"weight"`
	ConversionValue float64            `json:"conversionValue"`
	MasterProductID *int64             `json:"masterProductId"`
	IsActive        bool               `json:"isActive"`
	OrderTemplate   string             `json:"orderTemplate"`
	Description     string             `json:"description"`
	Trademark       string             `json:"trademark"`
	Images          []string           `json:"images"`
	ModifiedDate    *Time              `json:"modifiedDate"`
	CreatedDate     *Time              `json:"createdDate"`
	Inventories     []ProductInventory `json:"inventories"`
}

// ProductInventory is the per-branch stock block nested in a product
type ProductInventory struct {
	BranchID    int64   `json:"branchId"`
	BranchName  string  `json:"branchName"`
	Cost        float64 `json:"cost"`
	OnHand      float64 `json:"onHand"`
	Reserved    float64 `json:"reserved"`
	MinQuantity float64 `json:"minQuantity"`
	MaxQuantity float64 `json:"maxQuantity"`
	OnOrder     float64 `json:"onOrder"`
}

// Category is an upstream product category row
type Category struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Rank     int    `json:"rank"`
	ParentID int64  `json:"parentId"`
}

// Customer is an upstream customer row. Groups arrives pre-joined as a
// comma-separated string when includeCustomerGroup is requested.
type Customer struct {
	ID            int64   `json:"id"`
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	BranchID      int64   `json:"branchId"`
	ContactNumber string  `json:"contactNumber"`
	Address       string  `json:"address"`
	Groups        string  `json:"groups"`
	Debt          float64 `json:"debt"`
	ModifiedDate  *Time   `json:"modifiedDate"`
}

// SaleChannel is the PascalCase channel object on the singleton invoice.
// Upstream does not always supply it; treat as optional.
type SaleChannel struct {
	Name string `json:"Name"`
}

// Invoice is an upstream invoice row
type Invoice struct {
	ID             int64           `json:"id"`
	UUID           string          `json:"uuid"`
	Code           string          `json:"code"`
	PurchaseDate   *Time           `json:"purchaseDate"`
	BranchID       int64           `json:"branchId"`
	SoldByID       int64           `json:"soldById"`
	SoldByName     string          `json:"soldByName"`
	CustomerID     *int64          `json:"customerId"`
	CustomerCode   string          `json:"customerCode"`
	CustomerName   string          `json:"customerName"`
	OrderCode      string          `json:"orderCode"`
	Total          float64         `json:"total"`
	TotalPayment   float64         `json:"totalPayment"`
	Discount       float64         `json:"discount"`
	Status         int             `json:"status"`
	StatusValue    string          `json:"statusValue"`
	Description    string          `json:"description"`
	ModifiedDate   *Time           `json:"modifiedDate"`
	SaleChannel    *SaleChannel    `json:"SaleChannel"`
	InvoiceDetails []InvoiceDetail `json:"invoiceDetails"`
}

// SaleChannelName returns the channel name or "" when upstream omitted the object
func (i *Invoice) SaleChannelName() string {
	if i.SaleChannel == nil {
		return ""
	}
	return i.SaleChannel.Name
}

// InvoiceDetail is a line row nested in an invoice
type InvoiceDetail struct {
	ProductID      int64   `json:"productId"`
	ProductCode    string  `json:"productCode"`
	ProductName    string  `json:"productName"`
	CategoryName   string  `json:"categoryName"`
	Quantity       float64 `json:"quantity"`
	Price          float64 `json:"price"`
	Discount       float64 `json:"discount"`
	SubTotal       float64 `json:"subTotal"`
	Note           string  `json:"note"`
	SerialNumbers  string  `json:"serialNumbers"`
	ReturnQuantity float64 `json:"returnQuantity"`
}

// PurchaseOrder is an upstream purchase order row
type PurchaseOrder struct {
	ID                   int64                 `json:"id"`
	Code                 string                `json:"code"`
	BranchID             int64                 `json:"branchId"`
	PurchaseDate         *Time                 `json:"purchaseDate"`
	SupplierID           int64                 `json:"supplierId"`
	SupplierCode         string                `json:"supplierCode"`
	SupplierName         string                `json:"supplierName"`
	Discount             float64               `json:"discount"`
	Total                float64               `json:"total"`
	TotalPayment         float64               `json:"totalPayment"`
	Status               int                   `json:"status"`
	Description          string                `json:"description"`
	PurchaseOrderDetails []PurchaseOrderDetail `json:"purchaseOrderDetails"`
}

// PurchaseOrderDetail is a line row nested in a purchase order
type PurchaseOrderDetail struct {
	ProductID   int64   `json:"productId"`
	ProductCode string  `json:"productCode"`
	ProductName string  `json:"productName"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Discount    float64 `json:"discount"`
	BatchName   string  `json:"batchName"`
	ExpiryDate  *Time   `json:"expiryDate"`
}

// Pricebook is an upstream price book row
type Pricebook struct {
	ID             int64                    `json:"id"`
	Name           string                   `json:"name"`
	IsActive       bool                     `json:"isActive"`
	IsGlobal       bool                     `json:"isGlobal"`
	StartDate      *Time                    `json:"startDate"`
	EndDate        *Time                    `json:"endDate"`
	CustomerGroups []PricebookCustomerGroup `json:"customerGroups"`
}

// PricebookCustomerGroup scopes a price book to a customer group
type PricebookCustomerGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PricebookProduct is a per-product price override row inside a price book
type PricebookProduct struct {
	ProductID int64   `json:"productId"`
	Price     float64 `json:"price"`
}

// WebhookEnvelope is the PascalCase notification envelope
type WebhookEnvelope struct {
	ID            string                `json:"Id"`
	Attempt       int                   `json:"Attempt"`
	Notifications []WebhookNotification `json:"Notifications"`
}

// WebhookNotification is one action block inside an envelope
type WebhookNotification struct {
	Action string            `json:"Action"`
	Data   []json.RawMessage `json:"Data"`
}

// WebhookProduct is the product payload of a product-update notification
type WebhookProduct struct {
	ID          int64                     `json:"Id"`
	Code        string                    `json:"Code"`
	Name        string                    `json:"Name"`
	BasePrice   float64                   `json:"BasePrice"`
	Description string                    `json:"Description"`
	Inventories []WebhookProductInventory `json:"Inventories"`
}

// WebhookProductInventory is the per-branch block of a webhook product
type WebhookProductInventory struct {
	BranchID   int64   `json:"BranchId"`
	BranchName string  `json:"BranchName"`
	Cost       float64 `json:"Cost"`
	OnHand     float64 `json:"OnHand"`
}
