package pos

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"example.com/backstage/services/possync/config"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CredentialStore persists the upstream bearer token across restarts.
// There is deliberately no in-process cache: every Read hits the store so the
// refresher job stays the single source of truth.
type CredentialStore interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, token string, expiresIn int64) error
}

// TokenManager obtains and persists the upstream access token via the OAuth2
// client-credentials grant.
type TokenManager struct {
	creds        CredentialStore
	authURL      string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client

	mu sync.Mutex
}

// NewTokenManager creates a TokenManager for the configured auth endpoint
func NewTokenManager(cfg config.UpstreamConfig, creds CredentialStore) *TokenManager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &TokenManager{
		creds:        creds,
		authURL:      strings.TrimRight(cfg.AuthURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Token returns the current access token. A missing or unreadable credential
// triggers a refresh before failing.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	token, err := m.creds.Read(ctx)
	if err == nil {
		return token, nil
	}
	log.Warn().Err(err).Msg("Stored credential unavailable, refreshing token")
	return m.Refresh(ctx)
}

// Refresh performs the client-credentials grant and writes the new token
// through the credential store. Refresh is idempotent; concurrent callers are
// serialized.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	if m.scope != "" {
		form.Set("scopes", m.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.authURL+"/connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "failed to build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read token response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", errors.Wrap(err, "failed to decode token response")
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response contained no access_token")
	}

	if err := m.creds.Write(ctx, tr.AccessToken, tr.ExpiresIn); err != nil {
		return "", errors.Wrap(err, "failed to persist refreshed token")
	}

	log.Info().Int64("expires_in", tr.ExpiresIn).Msg("Refreshed upstream access token")
	return tr.AccessToken, nil
}
