package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/pos"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticCreds hands out a fixed token without touching a database
type staticCreds struct{}

func (staticCreds) Read(ctx context.Context) (string, error) { return "test-token", nil }

func (staticCreds) Write(ctx context.Context, token string, expiresIn int64) error { return nil }

// upstreamStub is a fake POS API. Paths without a configured handler return
// an empty page, so sync jobs run their no-rows path against it.
type upstreamStub struct {
	mu       sync.Mutex
	requests []*http.Request
	handlers map[string]http.HandlerFunc
	server   *httptest.Server
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{handlers: map[string]http.HandlerFunc{}}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		clone := r.Clone(r.Context())
		stub.requests = append(stub.requests, clone)
		handler := stub.handlers[r.URL.Path]
		stub.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		w.Write([]byte(`{"total": 0, "pageSize": 100, "data": []}`))
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *upstreamStub) handle(path string, handler http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = handler
}

// paths returns every requested path in arrival order, de-duplicated per
// consecutive run so retries collapse into one entry
func (s *upstreamStub) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.requests {
		if len(out) > 0 && out[len(out)-1] == r.URL.Path {
			continue
		}
		out = append(out, r.URL.Path)
	}
	return out
}

func (s *upstreamStub) queryFor(path string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.URL.Path == path {
			out := map[string]string{}
			for key, vals := range r.URL.Query() {
				out[key] = vals[0]
			}
			return out
		}
	}
	return nil
}

func (s *upstreamStub) countFor(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.URL.Path == path {
			n++
		}
	}
	return n
}

// newTestSyncService wires a sync service against the stub. The database
// stays nil; every test here stays on paths that never reach a repository.
func newTestSyncService(t *testing.T, stub *upstreamStub) (*SyncService, *metrics.Metrics) {
	t.Helper()
	cfg := config.UpstreamConfig{
		BaseURL:      stub.server.URL,
		AuthURL:      stub.server.URL,
		Retailer:     "test-retailer",
		ClientID:     "client-key",
		ClientSecret: "client-secret",
	}
	tokens := pos.NewTokenManager(cfg, staticCreds{})
	client := pos.NewClient(cfg, tokens)
	metricsCollector := metrics.NewMetrics()
	svc := NewSyncService(nil, client, tokens, metricsCollector, tracing.NewDisabledTracer(), time.UTC, 3)
	return svc, metricsCollector
}

func TestSyncService_DecodeBatchSkipsAfterConsecutiveFailures(t *testing.T) {
	svc, metricsCollector := newTestSyncService(t, newUpstreamStub(t))

	batch := make([]json.RawMessage, 10)
	for i := range batch {
		batch[i] = json.RawMessage("bad")
	}

	summary := newRunSummary("products")
	calls := 0
	svc.decodeBatch("products", batch, summary, func(raw json.RawMessage) error {
		calls++
		return fmt.Errorf("row %d undecodable", calls)
	})

	// Decoding stops at the fifth consecutive failure; the skipped remainder
	// still counts as errored rows
	assert.Equal(t, 5, calls)
	assert.Equal(t, 10, summary.Count.Error)
	assert.Equal(t, int64(5), metricsCollector.GetCounter(metrics.SyncRowErrors))
}

func TestSyncService_DecodeBatchResetsOnSuccess(t *testing.T) {
	svc, _ := newTestSyncService(t, newUpstreamStub(t))

	// Four failures, one success, repeated: never five in a row
	batch := make([]json.RawMessage, 10)
	for i := range batch {
		if (i+1)%5 == 0 {
			batch[i] = json.RawMessage("ok")
		} else {
			batch[i] = json.RawMessage("bad")
		}
	}

	summary := newRunSummary("products")
	calls := 0
	svc.decodeBatch("products", batch, summary, func(raw json.RawMessage) error {
		calls++
		if string(raw) == "bad" {
			return fmt.Errorf("undecodable")
		}
		return nil
	})

	assert.Equal(t, 10, calls)
	assert.Equal(t, 8, summary.Count.Error)
}

func TestSyncService_SyncProductsEmptyUpstream(t *testing.T) {
	stub := newUpstreamStub(t)
	svc, _ := newTestSyncService(t, stub)

	summary := svc.SyncProducts(context.Background())

	require.NotNil(t, summary)
	assert.True(t, summary.Success)
	assert.Equal(t, "products", summary.Job)
	assert.Equal(t, 0, summary.Count.Total)
	assert.Equal(t, "upstream returned no rows", summary.Message)

	query := stub.queryFor("/products")
	assert.Equal(t, "true", query["includeInventory"])
	assert.Equal(t, "id", query["orderBy"])
}

func TestSyncService_SyncCustomersEmptyUpstream(t *testing.T) {
	stub := newUpstreamStub(t)
	svc, _ := newTestSyncService(t, stub)

	summary := svc.SyncCustomers(context.Background())

	assert.True(t, summary.Success)
	assert.Equal(t, "true", stub.queryFor("/customers")["includeCustomerGroup"])
}

func TestSyncService_SyncInvoicesByDayQuery(t *testing.T) {
	stub := newUpstreamStub(t)
	svc, _ := newTestSyncService(t, stub)

	day := time.Date(2024, 3, 15, 22, 45, 0, 0, time.UTC)
	summary := svc.SyncInvoicesByDay(context.Background(), day)

	assert.True(t, summary.Success)
	assert.Equal(t, "invoices", summary.Job)

	query := stub.queryFor("/invoices")
	assert.Equal(t, "2024-03-15", query["fromPurchaseDate"])
	assert.Equal(t, "2024-03-15", query["toPurchaseDate"])
	assert.Equal(t, "true", query["includeInvoiceDetails"])
}

func TestSyncService_SyncInvoicesByMonthSpansCalendarMonth(t *testing.T) {
	tests := []struct {
		name  string
		year  int
		month time.Month
		from  string
		to    string
	}{
		{name: "leap february", year: 2024, month: time.February, from: "2024-02-01", to: "2024-02-29"},
		{name: "thirty day month", year: 2024, month: time.April, from: "2024-04-01", to: "2024-04-30"},
		{name: "december", year: 2023, month: time.December, from: "2023-12-01", to: "2023-12-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newUpstreamStub(t)
			svc, _ := newTestSyncService(t, stub)

			summary := svc.SyncInvoicesByMonth(context.Background(), tt.year, tt.month)

			assert.True(t, summary.Success)
			query := stub.queryFor("/invoices")
			assert.Equal(t, tt.from, query["fromPurchaseDate"])
			assert.Equal(t, tt.to, query["toPurchaseDate"])
		})
	}
}

func TestSyncService_SyncPurchaseOrdersQuery(t *testing.T) {
	stub := newUpstreamStub(t)
	svc, _ := newTestSyncService(t, stub)

	from := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	summary := svc.SyncPurchaseOrders(context.Background(), from, to)

	assert.True(t, summary.Success)
	assert.Equal(t, "purchaseorders", summary.Job)

	// This endpoint takes US-style dates and a status filter
	query := stub.queryFor("/purchaseorders")
	assert.Equal(t, "01/05/2024", query["fromPurchaseDate"])
	assert.Equal(t, "03/15/2024", query["toPurchaseDate"])
	assert.Equal(t, "3", query["status"])
}

func TestSyncService_RunSweepOrder(t *testing.T) {
	stub := newUpstreamStub(t)
	svc, _ := newTestSyncService(t, stub)

	result := svc.RunSweep(context.Background())

	require.NotNil(t, result)
	assert.False(t, result.Aborted)
	assert.NotEmpty(t, result.RunID)
	require.Len(t, result.Summaries, 6)

	jobs := make([]string, 0, len(result.Summaries))
	for _, summary := range result.Summaries {
		assert.True(t, summary.Success)
		jobs = append(jobs, summary.Job)
	}
	assert.Equal(t, []string{"categories", "products", "pricebooks", "customers", "invoices", "purchaseorders"}, jobs)
	assert.Equal(t, []string{"/categories", "/products", "/pricebooks", "/customers", "/invoices", "/purchaseorders"}, stub.paths())

	// The invoice step covers exactly today
	invoiceQuery := stub.queryFor("/invoices")
	assert.Equal(t, invoiceQuery["fromPurchaseDate"], invoiceQuery["toPurchaseDate"])

	// The purchase order step reaches back the trailing window
	orderQuery := stub.queryFor("/purchaseorders")
	assert.Equal(t, "3", orderQuery["status"])
	assert.NotEqual(t, orderQuery["fromPurchaseDate"], orderQuery["toPurchaseDate"])
}

func TestSyncService_RunSweepAbortsOnFatalFailure(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.handle("/categories", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	})
	svc, _ := newTestSyncService(t, stub)

	result := svc.RunSweep(context.Background())

	// The failed first step ends the sweep; no later endpoint is touched
	assert.True(t, result.Aborted)
	require.Len(t, result.Summaries, 1)
	assert.Equal(t, "categories", result.Summaries[0].Job)
	assert.False(t, result.Summaries[0].Success)
	assert.Contains(t, result.Summaries[0].Message, "category pagination failed")
	assert.Equal(t, 0, stub.countFor("/products"))
	assert.Equal(t, 0, stub.countFor("/invoices"))
}

func TestSyncService_RunSweepHonorsCancelledContext(t *testing.T) {
	stub := newUpstreamStub(t)
	svc, _ := newTestSyncService(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := svc.RunSweep(ctx)

	assert.True(t, result.Aborted)
	assert.Empty(t, result.Summaries)
	assert.Equal(t, 0, stub.countFor("/categories"))
}

func TestMapProduct(t *testing.T) {
	now := time.Now()
	modified := pos.Time{Time: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
	masterID := int64(77)

	dto := pos.Product{
		ID:              42,
		Code:            "SP000042",
		Name:            "Ca phe sua da",
		FullName:        "Ca phe sua da (M)",
		CategoryID:      7,
		CategoryName:    "Drinks",
		BasePrice:       35000,
		Unit:            "cup",
		MasterProductID: &masterID,
		IsActive:        true,
		Images:          []string{"https://cdn.example.com/a.jpg", "https://cdn.example.com/b.jpg"},
		ModifiedDate:    &modified,
	}

	row := mapProduct(dto, now)

	assert.Equal(t, int64(42), row.UpstreamID)
	assert.Equal(t, "SP000042", row.Code)
	assert.Equal(t, float64(35000), row.BasePrice)
	assert.Equal(t, &masterID, row.MasterProductID)
	require.NotNil(t, row.ModifiedDate)
	assert.True(t, modified.Time.Equal(*row.ModifiedDate))
	require.NotNil(t, row.SyncedAt)
	assert.True(t, now.Equal(*row.SyncedAt))

	var images []string
	require.NoError(t, json.Unmarshal(row.Images, &images))
	assert.Len(t, images, 2)

	// Annotation fields keep their zero values; syncs never author them
	assert.Empty(t, row.LocalSlug)
	assert.Zero(t, row.LocalSortOrder)
}

func TestMapInvoice(t *testing.T) {
	now := time.Now()

	dto := pos.Invoice{
		ID:          9001,
		Code:        "HD009001",
		Total:       250000,
		Status:      1,
		StatusValue: "Completed",
		SaleChannel: &pos.SaleChannel{Name: "Shopee"},
	}
	row := mapInvoice(dto, now)

	assert.Equal(t, int64(9001), row.UpstreamID)
	assert.Equal(t, "HD009001", row.Code)
	assert.Equal(t, "Shopee", row.SaleChannelName)

	// The collection endpoint omits the channel object
	dto.SaleChannel = nil
	assert.Equal(t, "", mapInvoice(dto, now).SaleChannelName)
}

func TestMapPricebook(t *testing.T) {
	now := time.Now()

	dto := pos.Pricebook{
		ID:       3,
		Name:     "VIP pricing",
		IsActive: true,
		CustomerGroups: []pos.PricebookCustomerGroup{
			{ID: 1, Name: "VIP"},
			{ID: 2, Name: ""},
			{ID: 3, Name: "Wholesale"},
		},
	}
	row := mapPricebook(dto, now)

	assert.Equal(t, int64(3), row.UpstreamID)
	assert.Equal(t, "VIP,Wholesale", row.CustomerGroups)
	assert.Nil(t, row.StartDate)
}

func TestMapPurchaseOrderLines(t *testing.T) {
	expiry := pos.Time{Time: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	lines := mapPurchaseOrderLines([]pos.PurchaseOrderDetail{
		{ProductID: 1, ProductCode: "SP1", Quantity: 10, Price: 5000, BatchName: "L24-03", ExpiryDate: &expiry},
		{ProductID: 2, ProductCode: "SP2", Quantity: 4, Price: 12000},
	}, 55)

	require.Len(t, lines, 2)
	assert.Equal(t, uint(55), lines[0].PurchaseOrderID)
	assert.Equal(t, "L24-03", lines[0].BatchName)
	require.NotNil(t, lines[0].ExpiryDate)
	assert.Nil(t, lines[1].ExpiryDate)
}
