package pos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/backstage/services/possync/config"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the upstream POS
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether the error is worth one more attempt: network
// and decode failures, and upstream 5xx. 4xx is permanent (401 is already
// handled inside Request).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// Client is the authenticated HTTP client for the upstream POS API. Every
// request carries the retailer identifier and a bearer token; a 401 forces a
// token refresh and a single retry.
type Client struct {
	baseURL    string
	retailer   string
	tokens     *TokenManager
	httpClient *http.Client
}

// NewClient creates a Client for the configured upstream
func NewClient(cfg config.UpstreamConfig, tokens *TokenManager) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		retailer:   cfg.Retailer,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Request performs one authenticated call and decodes the JSON response into
// out (skipped when out is nil). Non-2xx responses surface as *APIError.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to obtain access token")
	}

	status, respBody, err := c.do(ctx, method, path, query, body, token)
	if err != nil {
		return err
	}

	// Expired token: refresh once and retry
	if status == http.StatusUnauthorized {
		log.Info().Str("path", path).Msg("Upstream returned 401, refreshing token and retrying")
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return errors.Wrap(err, "token refresh after 401 failed")
		}
		status, respBody, err = c.do(ctx, method, path, query, body, token)
		if err != nil {
			return err
		}
	}

	if status < 200 || status >= 300 {
		return &APIError{StatusCode: status, Body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrapf(err, "failed to decode response from %s", path)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, token string) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "failed to marshal request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Retailer", c.retailer)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "request to %s failed", path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "failed to read response from %s", path)
	}
	return resp.StatusCode, respBody, nil
}
