// Package oauth resolves an effective bearer token for OAuth-mode
// providers, refreshing expired tokens and honoring a short-TTL
// quota-exceeded cache. The resolve-or-refresh shape (rotate and lazily
// refresh a pool of credentials behind a short-held mutex and a
// fire-and-forget persistence callback) generalizes API-key rotation to
// OAuth refresh-token exchange, with the hard/soft failure split that
// distinguishes a rotated/reused refresh token (terminal) from a
// quota-exceeded cooldown (retryable).
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/store"
)

// safetyWindow is how far before the real expiry a token is treated as
// already expired, so a request never races a refresh mid-flight.
const safetyWindow = 30 * time.Second

// quotaCacheTTL bounds how long a (cli_family) quota-exceeded set is
// trusted before the resolver re-derives it from the store.
const quotaCacheTTL = 5 * time.Second

// Store is the subset of store.Store the resolver needs.
type Store interface {
	GetOAuthAccount(ctx context.Context, id uint64) (*store.OAuthAccount, error)
	UpdateOAuthToken(ctx context.Context, account *store.OAuthAccount) error
	MarkOAuthAccountError(ctx context.Context, id uint64) error
	ListQuotaExceededAccountIDs(ctx context.Context, family store.CLIFamily, nowUnix int64) (map[uint64]bool, error)
}

// Resolver resolves an effective bearer token for an OAuth account.
type Resolver struct {
	store  Store
	client *http.Client
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	quotaCache map[store.CLIFamily]quotaCacheEntry
}

type quotaCacheEntry struct {
	ids       map[uint64]bool
	expiresAt time.Time
}

func NewResolver(st Store, client *http.Client, clk clock.Clock, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:      st,
		client:     client,
		clock:      clk,
		logger:     logger.With(zap.String("component", "oauth")),
		quotaCache: make(map[store.CLIFamily]quotaCacheEntry),
	}
}

// InvalidateQuotaCache drops the cached quota-exceeded set for family,
// forcing the next Resolve to re-derive it from the store. Call this on
// any account mutation.
func (r *Resolver) InvalidateQuotaCache(family store.CLIFamily) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.quotaCache, family)
}

func (r *Resolver) quotaExceededSet(ctx context.Context, family store.CLIFamily) (map[uint64]bool, error) {
	now := r.clock.Now()

	r.mu.Lock()
	if e, ok := r.quotaCache[family]; ok && now.Before(e.expiresAt) {
		r.mu.Unlock()
		return e.ids, nil
	}
	r.mu.Unlock()

	ids, err := r.store.ListQuotaExceededAccountIDs(ctx, family, now.Unix())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.quotaCache[family] = quotaCacheEntry{ids: ids, expiresAt: now.Add(quotaCacheTTL)}
	r.mu.Unlock()
	return ids, nil
}

// Resolve returns an effective bearer token for accountID, refreshing if
// expired. A non-nil *gwerr.Error with code AuthReloginRequired is a hard
// failure for that account (the caller must not retry it this request);
// any other error is a soft, retryable-elsewhere skip.
func (r *Resolver) Resolve(ctx context.Context, family store.CLIFamily, accountID uint64) (string, error) {
	quotaExceeded, err := r.quotaExceededSet(ctx, family)
	if err != nil {
		return "", fmt.Errorf("load quota-exceeded set: %w", err)
	}
	if quotaExceeded[accountID] {
		return "", gwerr.New(gwerr.ProviderRateLimited, "oauth account quota exceeded").WithRetryable(true)
	}

	acct, err := r.store.GetOAuthAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load oauth account: %w", err)
	}
	if !acct.Eligible(r.clock.Now().Unix()) {
		return "", gwerr.New(gwerr.ProviderRateLimited, "oauth account ineligible").WithRetryable(true)
	}

	if acct.AccessToken != "" && acct.ExpiresAt > r.clock.Now().Add(safetyWindow).Unix() {
		return acct.AccessToken, nil
	}

	return r.refresh(ctx, family, acct)
}

func (r *Resolver) refresh(ctx context.Context, family store.CLIFamily, acct *store.OAuthAccount) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {acct.RefreshToken},
		"client_id":     {acct.ClientID},
	}
	if acct.ClientSecret != "" {
		form.Set("client_secret", acct.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, acct.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", gwerr.New(gwerr.UpstreamConnectFailed, "oauth refresh request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode == http.StatusUnauthorized && looksLikeRotatedRefreshToken(body) {
		reason := "refresh token reused/rotated"
		if mErr := r.store.MarkOAuthAccountError(ctx, acct.ID); mErr != nil {
			r.logger.Warn("failed to mark oauth account error", zap.Uint64("account_id", acct.ID), zap.Error(mErr))
		}
		r.InvalidateQuotaCache(family)
		return "", gwerr.New(gwerr.AuthReloginRequired, reason).WithRetryable(false)
	}

	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("oauth refresh failed",
			zap.Uint64("account_id", acct.ID), zap.Int("status", resp.StatusCode),
			zap.String("body", mask(body)))
		return "", gwerr.New(gwerr.AuthRejected, "oauth refresh failed").WithRetryable(true)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", gwerr.New(gwerr.AuthRejected, "malformed oauth refresh response").WithCause(err)
	}

	effective := payload.AccessToken
	if family == store.FamilyB && payload.AccessToken == "" {
		effective = payload.IDToken // family B prefers access_token, falls back to id_token
	}
	if family == store.FamilyC && !strings.HasPrefix(effective, "ya29.") {
		return "", gwerr.New(gwerr.AuthRejected, "family C access token missing ya29. prefix")
	}

	refreshToken := acct.RefreshToken
	if payload.RefreshToken != "" {
		refreshToken = payload.RefreshToken
	}
	expiresAt := r.clock.Now().Add(time.Duration(payload.ExpiresIn) * time.Second).Unix()

	updated := &store.OAuthAccount{
		ID: acct.ID, AccessToken: payload.AccessToken, RefreshToken: refreshToken,
		IDToken: payload.IDToken, ExpiresAt: expiresAt,
	}
	if err := r.store.UpdateOAuthToken(ctx, updated); err != nil {
		return "", fmt.Errorf("persist refreshed oauth token: %w", err)
	}

	return effective, nil
}

func looksLikeRotatedRefreshToken(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "invalid_grant") &&
		(strings.Contains(lower, "reused") || strings.Contains(lower, "rotat") || strings.Contains(lower, "revoked"))
}

var maskedFields = []string{"access_token", "refresh_token", "id_token", "client_secret"}

// mask redacts token-like JSON fields before a refresh error body is
// logged — these bodies come straight from the upstream token endpoint
// and must never reach the log with live credentials in them.
func mask(body []byte) string {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return "<unparseable body, " + fmt.Sprint(len(body)) + " bytes>"
	}
	for _, f := range maskedFields {
		if _, ok := generic[f]; ok {
			generic[f] = "***"
		}
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "<redacted>"
	}
	return string(out)
}
