package pos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"example.com/backstage/services/possync/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL, authURL string, creds CredentialStore) *Client {
	cfg := config.UpstreamConfig{
		BaseURL:      baseURL,
		AuthURL:      authURL,
		Retailer:     "test-retailer",
		ClientID:     "client-key",
		ClientSecret: "client-secret",
	}
	return NewClient(cfg, NewTokenManager(cfg, creds))
}

// pageBody builds a collection envelope with numbered rows
func pageBody(total, start, count int) string {
	rows := make([]string, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, fmt.Sprintf(`{"id": %d}`, start+i))
	}
	return fmt.Sprintf(`{"total": %d, "pageSize": 100, "data": [%s]}`, total, strings.Join(rows, ","))
}

func TestClient_RequestHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-retailer", r.Header.Get("Retailer"))
		assert.Equal(t, "Bearer stored-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "http://auth.invalid", &memoryCreds{token: "stored-token"})

	var out map[string]bool
	err := client.Request(context.Background(), http.MethodGet, "/products", nil, nil, &out)

	require.NoError(t, err)
	assert.True(t, out["ok"])
}

func TestClient_RequestRefreshesOn401(t *testing.T) {
	var authCalls, apiCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&authCalls, 1)
		w.Write([]byte(`{"access_token": "fresh", "expires_in": 3600}`))
	})
	mux.HandleFunc("/products", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"total": 0, "data": []}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL, server.URL, &memoryCreds{token: "expired"})

	var page Page
	err := client.Request(context.Background(), http.MethodGet, "/products", nil, nil, &page)

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&authCalls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiCalls))
}

func TestClient_RequestPermanentFailure(t *testing.T) {
	var apiCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL, "http://auth.invalid", &memoryCreds{token: "stored"})

	err := client.Request(context.Background(), http.MethodGet, "/nope", nil, nil, nil)

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&apiCalls))
}

func TestClient_PageAllWalksCursor(t *testing.T) {
	var cursors []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "100", r.URL.Query().Get("pageSize"))
		cursor := r.URL.Query().Get("currentItem")
		cursors = append(cursors, cursor)
		switch cursor {
		case "0":
			w.Write([]byte(pageBody(150, 0, 100)))
		case "100":
			w.Write([]byte(pageBody(150, 100, 50)))
		default:
			t.Fatalf("unexpected cursor %s", cursor)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, "http://auth.invalid", &memoryCreds{token: "stored"})

	rows, err := client.PageAll(context.Background(), "/products", nil, PageOptions{})

	require.NoError(t, err)
	assert.Len(t, rows, 150)
	assert.Equal(t, []string{"0", "100"}, cursors)

	// Rows arrive in upstream order
	var first, last struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rows[0], &first))
	require.NoError(t, json.Unmarshal(rows[149], &last))
	assert.Equal(t, 0, first.ID)
	assert.Equal(t, 149, last.ID)
}

func TestClient_PageAllStopsOnEmptyPage(t *testing.T) {
	// Upstream over-reports the total; the empty page ends the walk
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("currentItem") == "0" {
			w.Write([]byte(pageBody(500, 0, 100)))
			return
		}
		w.Write([]byte(`{"total": 500, "pageSize": 100, "data": []}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "http://auth.invalid", &memoryCreds{token: "stored"})

	rows, err := client.PageAll(context.Background(), "/products", nil, PageOptions{})

	require.NoError(t, err)
	assert.Len(t, rows, 100)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_PageAllRetriesTransientOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Write([]byte(pageBody(2, 0, 2)))
	}))
	defer server.Close()

	client := newTestClient(server.URL, "http://auth.invalid", &memoryCreds{token: "stored"})

	rows, err := client.PageAll(context.Background(), "/customers", nil, PageOptions{})

	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_PageAllPersistentFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "still down", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, "http://auth.invalid", &memoryCreds{token: "stored"})

	rows, err := client.PageAll(context.Background(), "/customers", nil, PageOptions{})

	require.Error(t, err)
	assert.Nil(t, rows)
	assert.Contains(t, err.Error(), "pagination of /customers failed")
	// One retry per page, then the failure surfaces
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
