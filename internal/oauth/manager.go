// Package oauth manages the harvested OAuth accounts: token refresh, project
// and tier discovery, and per-model quota probing.
package oauth

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

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/store"
)

// Manager refreshes access tokens and keeps account metadata in sync with
// the upstream. All methods return the updated account snapshot.
type Manager struct {
	store      store.Store
	cfg        *config.Config
	httpClient *http.Client
}

// NewManager creates a token manager over the given store.
func NewManager(st store.Store, cfg *config.Config) *Manager {
	return &Manager{
		store: st,
		cfg:   cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// EnsureValid refreshes the access token when it is absent or within the
// expiry skew. On refresh failure the account is demoted to status=error and
// the error is propagated.
func (m *Manager) EnsureValid(ctx context.Context, acct *store.Account) (*store.Account, error) {
	skewMs := int64(config.TokenExpirySkewSeconds) * 1000
	if acct.AccessToken != "" && acct.TokenExpiry > time.Now().UnixMilli()+skewMs {
		return acct, nil
	}
	return m.ForceRefresh(ctx, acct)
}

// ForceRefresh exchanges the refresh token for a new access token
// unconditionally.
func (m *Manager) ForceRefresh(ctx context.Context, acct *store.Account) (*store.Account, error) {
	accessToken, expiresIn, err := m.refreshToken(ctx, acct.RefreshToken)
	if err != nil {
		if gwerr.IsRefreshTokenInvalid(err) {
			log.Errorf("[OAuth] Refresh token invalid for %s, disabling account", acct.Email)
			_ = m.store.UpdateAccountStatus(ctx, acct.ID, store.StatusError, "refresh token invalid: "+err.Error())
			acct.Status = store.StatusError
			e := gwerr.New(gwerr.CodeAuthPermanent, "refresh token invalid")
			return acct, e.WithAccount(acct.Email)
		}
		// Transient failure: bubble up without demoting.
		return acct, fmt.Errorf("token refresh failed for %s: %w", acct.Email, err)
	}

	acct.AccessToken = accessToken
	acct.TokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second).UnixMilli()
	if err := m.store.UpdateAccount(ctx, acct); err != nil {
		return acct, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	log.Debugf("[OAuth] Refreshed token for %s (expires in %ds)", acct.Email, expiresIn)
	return acct, nil
}

func (m *Manager) refreshToken(ctx context.Context, refreshToken string) (string, int, error) {
	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", config.OAuthConfig.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token refresh failed (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", 0, fmt.Errorf("failed to parse token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", 0, fmt.Errorf("no access token in response")
	}
	return result.AccessToken, result.ExpiresIn, nil
}

// DiscoverProject loads the code assist handshake and persists project id and
// tier on the account.
func (m *Manager) DiscoverProject(ctx context.Context, acct *store.Account) (*store.Account, error) {
	acct, err := m.EnsureValid(ctx, acct)
	if err != nil {
		return acct, err
	}

	reqBody := map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	payload, _ := json.Marshal(reqBody)

	var lastErr error
	for _, endpoint := range config.LoadCodeAssistEndpoints {
		req, err := http.NewRequestWithContext(ctx, "POST",
			endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(payload))
		if err != nil {
			return acct, err
		}
		req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range config.UpstreamHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("loadCodeAssist failed at %s (%d)", endpoint, resp.StatusCode)
			continue
		}

		projectID := gjson.GetBytes(body, "cloudaicompanionProject").String()
		if projectID == "" {
			projectID = gjson.GetBytes(body, "cloudaicompanionProject.id").String()
		}
		tier := gjson.GetBytes(body, "currentTier.id").String()
		if tier == "" {
			tier = defaultTierFromBody(body)
		}

		if projectID != "" {
			acct.ProjectID = projectID
		}
		if tier != "" {
			acct.Tier = tier
		}
		if err := m.store.UpdateAccount(ctx, acct); err != nil {
			return acct, err
		}
		log.Infof("[OAuth] Discovered project for %s: project=%s tier=%s", acct.Email, acct.ProjectID, acct.Tier)
		return acct, nil
	}

	return acct, fmt.Errorf("project discovery failed: %w", lastErr)
}

func defaultTierFromBody(body []byte) string {
	var tier string
	gjson.GetBytes(body, "allowedTiers").ForEach(func(_, t gjson.Result) bool {
		if t.Get("isDefault").Bool() {
			tier = t.Get("id").String()
			return false
		}
		return true
	})
	return tier
}

// ModelQuota is one model's remaining quota fraction and reset instant.
type ModelQuota struct {
	Model        string  `json:"model"`
	Remaining    float64 `json:"remaining"`
	ResetAtMs    int64   `json:"reset_at_ms"`
	ResetMessage string  `json:"reset_message,omitempty"`
}

// FetchQuota polls the upstream model list and updates the account's advisory
// quota fraction. When model is non-empty only that model's bucket is read.
// Quota fetch errors never demote the account.
func (m *Manager) FetchQuota(ctx context.Context, acct *store.Account, model string) (*store.Account, error) {
	quotas, err := m.fetchModelQuotas(ctx, acct)
	if err != nil {
		return acct, err
	}

	minRemaining := 1.0
	var resetAt int64
	matched := false
	for _, q := range quotas {
		if model != "" && q.Model != model {
			continue
		}
		matched = true
		if q.Remaining < minRemaining {
			minRemaining = q.Remaining
			resetAt = q.ResetAtMs
		}
	}
	if !matched {
		return acct, nil
	}

	acct.QuotaRemaining = minRemaining
	if resetAt > 0 {
		acct.QuotaResetAt = resetAt
	}
	if err := m.store.UpdateAccount(ctx, acct); err != nil {
		return acct, err
	}
	return acct, nil
}

// FetchDetailedQuota returns per-model quota with resets, and stores the
// minimum fraction across all models on the account.
func (m *Manager) FetchDetailedQuota(ctx context.Context, acct *store.Account) ([]*ModelQuota, error) {
	quotas, err := m.fetchModelQuotas(ctx, acct)
	if err != nil {
		return nil, err
	}

	minRemaining := 1.0
	var resetAt int64
	for _, q := range quotas {
		if q.Remaining < minRemaining {
			minRemaining = q.Remaining
			resetAt = q.ResetAtMs
		}
	}
	acct.QuotaRemaining = minRemaining
	if resetAt > 0 {
		acct.QuotaResetAt = resetAt
	}
	_ = m.store.UpdateAccount(ctx, acct)
	return quotas, nil
}

func (m *Manager) fetchModelQuotas(ctx context.Context, acct *store.Account) ([]*ModelQuota, error) {
	acct, err := m.EnsureValid(ctx, acct)
	if err != nil {
		return nil, err
	}

	project := acct.ProjectID
	if project == "" {
		project = config.DefaultProjectID
	}
	payload, _ := json.Marshal(map[string]string{"project": project})

	var lastErr error
	for _, endpoint := range config.UpstreamEndpoints {
		req, err := http.NewRequestWithContext(ctx, "POST",
			endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range config.UpstreamHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("fetchAvailableModels failed at %s (%d)", endpoint, resp.StatusCode)
			continue
		}

		var quotas []*ModelQuota
		gjson.GetBytes(body, "models").ForEach(func(_, mdl gjson.Result) bool {
			q := &ModelQuota{
				Model:     mdl.Get("modelId").String(),
				Remaining: 1.0,
			}
			if frac := mdl.Get("quotaInfo.remainingFraction"); frac.Exists() {
				q.Remaining = frac.Float()
			}
			if reset := mdl.Get("quotaInfo.resetTime"); reset.Exists() {
				if t, err := time.Parse(time.RFC3339, reset.String()); err == nil {
					q.ResetAtMs = t.UnixMilli()
				}
				q.ResetMessage = reset.String()
			}
			if q.Model != "" {
				quotas = append(quotas, q)
			}
			return true
		})
		return quotas, nil
	}

	return nil, fmt.Errorf("quota fetch failed: %w", lastErr)
}

// Initialize validates a freshly added account end to end: refresh, project
// discovery, first quota sync.
func (m *Manager) Initialize(ctx context.Context, acct *store.Account) (*store.Account, error) {
	acct, err := m.ForceRefresh(ctx, acct)
	if err != nil {
		return acct, err
	}
	acct, err = m.DiscoverProject(ctx, acct)
	if err != nil {
		log.Warnf("[OAuth] Project discovery failed for %s: %v", acct.Email, err)
	}
	if _, err := m.FetchQuota(ctx, acct, ""); err != nil {
		log.Warnf("[OAuth] Initial quota fetch failed for %s: %v", acct.Email, err)
	}
	return acct, nil
}

// ScheduleTokenRefresh refreshes tokens nearing expiry on a fixed interval
// until ctx is cancelled. Each account refresh retries with exponential
// backoff before giving up on that cycle.
func (m *Manager) ScheduleTokenRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshExpiring(ctx)
			}
		}
	}()
}

func (m *Manager) refreshExpiring(ctx context.Context) {
	accounts, err := m.store.ListSchedulable(ctx)
	if err != nil {
		log.Warnf("[OAuth] Token refresh sweep: %v", err)
		return
	}

	horizon := time.Now().Add(time.Hour).UnixMilli()
	for _, acct := range accounts {
		if acct.TokenExpiry > horizon {
			continue
		}
		op := func() error {
			_, err := m.ForceRefresh(ctx, acct)
			if gwerr.IsRefreshTokenInvalid(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			log.Warnf("[OAuth] Background refresh failed for %s: %v", acct.Email, err)
		}
	}
}

// ScheduleQuotaSync synchronizes advisory quotas on a fixed interval until
// ctx is cancelled.
func (m *Manager) ScheduleQuotaSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				accounts, err := m.store.ListSchedulable(ctx)
				if err != nil {
					continue
				}
				for _, acct := range accounts {
					if _, err := m.FetchQuota(ctx, acct, ""); err != nil {
						log.Debugf("[OAuth] Quota sync failed for %s: %v", acct.Email, err)
					}
				}
			}
		}
	}()
}
