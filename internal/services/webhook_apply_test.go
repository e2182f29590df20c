package services

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/models"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// One connection pins the in-memory database across the pool
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.SetupModels(db))
	return db
}

func TestWebhookService_ApplyProductUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	product := models.Product{UpstreamID: 42, Code: "SP000042", Name: "Ca phe", BasePrice: 10, Description: "old", LocalSlug: "ca-phe"}
	require.NoError(t, db.Create(&product).Error)
	require.NoError(t, db.Create(&models.Inventory{ProductID: product.ID, BranchID: 1, BranchName: "Central", Cost: 6, OnHand: 99}).Error)

	svc := NewWebhookService(db, testSecret, nil, nil, metrics.NewMetrics(), tracing.NewDisabledTracer())

	body := []byte(`{"Id": "apply-1", "Attempt": 1, "Notifications": [{"Action": "product-update", "Data": [` +
		`{"Id": 42, "BasePrice": 15, "Description": "old", "Inventories": [` +
		`{"BranchId": 1, "BranchName": "Central", "Cost": 7, "OnHand": 20},` +
		`{"BranchId": 2, "BranchName": "District 3", "Cost": 3, "OnHand": 5}]}]}]}`)

	result := svc.ProcessDelivery(ctx, "apply-1", "sha256="+signBody(sha256.New, body), body)
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Products)
	assert.Equal(t, 3, result.Changes)
	assert.Equal(t, 0, result.Errors)

	// The ledger holds one entry per differing field, written before the
	// mirror rows changed
	entries, err := svc.RecentChanges(ctx, 42, nil, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	byChange := map[string]models.ChangeLogEntry{}
	for _, e := range entries {
		byChange[e.FieldName+"/"+e.NewValue] = e
	}
	require.Contains(t, byChange, "baseprice/15")
	assert.Equal(t, "10", byChange["baseprice/15"].OldValue)
	require.Contains(t, byChange, "cost/7")
	assert.Equal(t, "6", byChange["cost/7"].OldValue)
	require.Contains(t, byChange, "cost/3")
	assert.Equal(t, "", byChange["cost/3"].OldValue)

	// Mirror row: price applied, identical description untouched, operator
	// annotations intact
	var mirror models.Product
	require.NoError(t, db.Where("upstream_id = ?", 42).First(&mirror).Error)
	assert.Equal(t, float64(15), mirror.BasePrice)
	assert.Equal(t, "old", mirror.Description)
	assert.Equal(t, "ca-phe", mirror.LocalSlug)

	// Known branch: cost patched, the rest of the row untouched
	var central models.Inventory
	require.NoError(t, db.Where("product_id = ? AND branch_id = ?", product.ID, 1).First(&central).Error)
	assert.Equal(t, float64(7), central.Cost)
	assert.Equal(t, float64(99), central.OnHand)

	// New branch: full row inserted
	var district models.Inventory
	require.NoError(t, db.Where("product_id = ? AND branch_id = ?", product.ID, 2).First(&district).Error)
	assert.Equal(t, "District 3", district.BranchName)
	assert.Equal(t, float64(3), district.Cost)
	assert.Equal(t, float64(5), district.OnHand)

	// The day filter covers entries written just now
	today := time.Now()
	entries, err = svc.RecentChanges(ctx, 42, &today, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestWebhookService_ApplyIdenticalUpdateWritesNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	product := models.Product{UpstreamID: 42, BasePrice: 15, Description: "old"}
	require.NoError(t, db.Create(&product).Error)
	require.NoError(t, db.Create(&models.Inventory{ProductID: product.ID, BranchID: 1, Cost: 7}).Error)

	svc := NewWebhookService(db, testSecret, nil, nil, metrics.NewMetrics(), tracing.NewDisabledTracer())

	body := []byte(`{"Id": "apply-2", "Notifications": [{"Action": "product-update", "Data": [` +
		`{"Id": 42, "BasePrice": 15, "Description": "old", "Inventories": [` +
		`{"BranchId": 1, "Cost": 7, "OnHand": 50}]}]}]}`)

	result := svc.ProcessDelivery(ctx, "apply-2", "sha256="+signBody(sha256.New, body), body)
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Products)
	assert.Equal(t, 0, result.Changes)

	entries, err := svc.RecentChanges(ctx, 42, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWebhookService_ApplyUnknownProductCounted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	svc := NewWebhookService(db, testSecret, nil, nil, metrics.NewMetrics(), tracing.NewDisabledTracer())

	body := []byte(`{"Id": "apply-3", "Notifications": [{"Action": "product-update", "Data": [` +
		`{"Id": 777, "BasePrice": 5}]}]}`)

	result := svc.ProcessDelivery(ctx, "apply-3", "sha256="+signBody(sha256.New, body), body)

	// The delivery is still acknowledged; the unmirrored product surfaces
	// as an error count
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Products)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 0, result.Changes)
}
