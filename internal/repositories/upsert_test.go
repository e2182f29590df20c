package repositories

import (
	"testing"

	"example.com/backstage/services/possync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestUpsertColumns_Product(t *testing.T) {
	cols, err := upsertColumns(&models.Product{}, schema.NamingStrategy{})
	require.NoError(t, err)

	// Upstream-authoritative columns are overwritten on conflict
	assert.Contains(t, cols, "name")
	assert.Contains(t, cols, "base_price")
	assert.Contains(t, cols, "category_id")
	assert.Contains(t, cols, "is_active")
	assert.Contains(t, cols, "synced_at")
	assert.Contains(t, cols, "updated_at")

	// The key, the insert timestamp and every annotation column survive
	assert.NotContains(t, cols, "id")
	assert.NotContains(t, cols, "created_at")
	assert.NotContains(t, cols, "local_slug")
	assert.NotContains(t, cols, "local_tags")
	assert.NotContains(t, cols, "local_visibility")
	assert.NotContains(t, cols, "local_sort_order")
	assert.NotContains(t, cols, "local_color_border")
	assert.NotContains(t, cols, "local_thumbnail_title")
	assert.NotContains(t, cols, "local_gallery")
	assert.NotContains(t, cols, "local_image_version")
	assert.NotContains(t, cols, "local_updated_at")
}

func TestUpsertColumns_Category(t *testing.T) {
	cols, err := upsertColumns(&models.Category{}, schema.NamingStrategy{})
	require.NoError(t, err)

	assert.Contains(t, cols, "name")
	assert.Contains(t, cols, "parent_id")
	assert.NotContains(t, cols, "local_is_active")
	assert.NotContains(t, cols, "local_color_border")
}

func TestUpsertColumns_SkipArguments(t *testing.T) {
	withChannel, err := upsertColumns(&models.Invoice{}, schema.NamingStrategy{})
	require.NoError(t, err)
	assert.Contains(t, withChannel, "sale_channel_name")

	skipped, err := upsertColumns(&models.Invoice{}, schema.NamingStrategy{}, "sale_channel_name")
	require.NoError(t, err)
	assert.NotContains(t, skipped, "sale_channel_name")

	// Skipping must not eat unrelated columns
	assert.Len(t, skipped, len(withChannel)-1)
	assert.Contains(t, skipped, "total")
	assert.Contains(t, skipped, "status")
}

func TestParseCredentialValue(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{name: "bare token", value: "abc123", want: "abc123"},
		{name: "bare token with whitespace", value: "  abc123\n", want: "abc123"},
		{name: "structured value", value: `{"token": "xyz789", "expires_in": 3600, "expires_at": "2026-08-25T10:00:00Z"}`, want: "xyz789"},
		{name: "structured without token", value: `{"expires_in": 3600}`, wantErr: true},
		{name: "malformed json", value: `{"token": `, wantErr: true},
		{name: "empty", value: "", wantErr: true},
		{name: "whitespace only", value: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCredentialValue(tt.value)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrCredentialMissing)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
