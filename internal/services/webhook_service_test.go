package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"testing"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/cache"
	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-test-secret"

func signBody(algo func() hash.Hash, body []byte) string {
	mac := hmac.New(algo, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// newTestWebhookService wires a service around an in-memory Redis. The
// database stays nil; tests that go through it never reach a repository.
func newTestWebhookService(t *testing.T) (*WebhookService, *metrics.Metrics) {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	redisCache, err := cache.NewRedisCache(config.RedisConfig{
		Host:    mr.Host(),
		Port:    port,
		Enabled: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { redisCache.Close() })

	metricsCollector := metrics.NewMetrics()
	svc := NewWebhookService(nil, testSecret, redisCache, nil, metricsCollector, tracing.NewDisabledTracer())
	return svc, metricsCollector
}

func TestWebhookService_VerifySignature(t *testing.T) {
	svc, _ := newTestWebhookService(t)
	body := []byte(`{"Id": "d-1", "Notifications": []}`)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{name: "sha256 labelled", header: "sha256=" + signBody(sha256.New, body), want: true},
		{name: "sha1 labelled", header: "sha1=" + signBody(sha1.New, body), want: true},
		{name: "sha256 digest under sha1 label", header: "sha1=" + signBody(sha256.New, body), want: true},
		{name: "sha1 digest under sha256 label", header: "sha256=" + signBody(sha1.New, body), want: true},
		{name: "bare digest without label", header: signBody(sha256.New, body), want: true},
		{name: "uppercase digest", header: "sha256=" + strings.ToUpper(signBody(sha256.New, body)), want: true},
		{name: "wrong digest", header: "sha256=deadbeef", want: false},
		{name: "empty header", header: "", want: false},
		{name: "label without digest", header: "sha256=", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.VerifySignature(body, tt.header))
		})
	}
}

func TestWebhookService_ProcessDeliveryBadSignature(t *testing.T) {
	svc, metricsCollector := newTestWebhookService(t)
	body := []byte(`{"Id": "d-1", "Notifications": []}`)

	result := svc.ProcessDelivery(context.Background(), "d-1", "sha256=deadbeef", body)

	// Acknowledged but flagged; nothing was applied
	assert.True(t, result.Success)
	assert.True(t, result.SignatureFailed)
	assert.Equal(t, int64(1), metricsCollector.GetCounter(metrics.WebhookReceived))
	assert.Equal(t, int64(1), metricsCollector.GetCounter(metrics.WebhookSignatureFailed))
}

func TestWebhookService_ProcessDeliveryMalformedBody(t *testing.T) {
	svc, metricsCollector := newTestWebhookService(t)
	body := []byte(`{"Id": "d-2", "Notifications": [broken`)

	result := svc.ProcessDelivery(context.Background(), "d-2", "sha256="+signBody(sha256.New, body), body)

	assert.False(t, result.Success)
	assert.True(t, result.Malformed)
	assert.Equal(t, int64(1), metricsCollector.GetCounter(metrics.WebhookMalformed))
}

func TestWebhookService_ProcessDeliveryEmptyEnvelope(t *testing.T) {
	svc, _ := newTestWebhookService(t)
	body := []byte(`{"Id": "d-3", "Attempt": 1, "Notifications": []}`)

	result := svc.ProcessDelivery(context.Background(), "d-3", "sha256="+signBody(sha256.New, body), body)

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Products)
	assert.Equal(t, 0, result.Changes)
	assert.Equal(t, 0, result.Errors)
}

func TestWebhookService_ProcessDeliveryIgnoresUnknownActions(t *testing.T) {
	svc, _ := newTestWebhookService(t)
	body := []byte(`{
		"Id": "d-4",
		"Notifications": [
			{"Action": "order-update", "Data": [{"Id": 99}]},
			{"Action": "customer-update", "Data": [{"Id": 7}]}
		]
	}`)

	result := svc.ProcessDelivery(context.Background(), "d-4", "sha1="+signBody(sha1.New, body), body)

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Products)
	assert.Equal(t, 0, result.Errors)
}

func TestWebhookService_ProcessDeliverySuppressesRedelivery(t *testing.T) {
	svc, metricsCollector := newTestWebhookService(t)
	body := []byte(`{"Id": "d-5", "Notifications": []}`)
	signature := "sha256=" + signBody(sha256.New, body)

	first := svc.ProcessDelivery(context.Background(), "d-5", signature, body)
	second := svc.ProcessDelivery(context.Background(), "d-5", signature, body)

	assert.True(t, first.Success)
	assert.False(t, first.Duplicate)

	// The redelivery is acknowledged but not reprocessed
	assert.True(t, second.Success)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(1), metricsCollector.GetCounter(metrics.WebhookDuplicateDelivery))
	assert.Equal(t, int64(2), metricsCollector.GetCounter(metrics.WebhookReceived))
}

func TestWebhookService_ProcessDeliveryDistinctIDs(t *testing.T) {
	svc, metricsCollector := newTestWebhookService(t)
	bodyA := []byte(`{"Id": "d-6", "Notifications": []}`)
	bodyB := []byte(`{"Id": "d-7", "Notifications": []}`)

	resultA := svc.ProcessDelivery(context.Background(), "d-6", "sha256="+signBody(sha256.New, bodyA), bodyA)
	resultB := svc.ProcessDelivery(context.Background(), "d-7", "sha256="+signBody(sha256.New, bodyB), bodyB)

	assert.False(t, resultA.Duplicate)
	assert.False(t, resultB.Duplicate)
	assert.Equal(t, int64(0), metricsCollector.GetCounter(metrics.WebhookDuplicateDelivery))
}

func TestFormatLedgerValue(t *testing.T) {
	// Whole numbers must not grow trailing zeros; the ledger stores the
	// shortest exact representation
	assert.Equal(t, "10", formatLedgerValue(10))
	assert.Equal(t, "10.5", formatLedgerValue(10.5))
	assert.Equal(t, "0", formatLedgerValue(0))
	assert.Equal(t, "129999.99", formatLedgerValue(129999.99))
}
