// Package store provides the narrow persistence interface the gateway needs:
// accounts, request logs, settings, API keys and the durable signature cache.
package store

import "context"

// Account status values.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusError    = "error"
)

// Account is one OAuth identity with its vendor project and quota bucket.
// Timestamps are epoch milliseconds.
type Account struct {
	ID             int64   `json:"id"`
	Email          string  `json:"email"`
	RefreshToken   string  `json:"-"`
	AccessToken    string  `json:"-"`
	TokenExpiry    int64   `json:"token_expiry"`
	ProjectID      string  `json:"project_id"`
	Tier           string  `json:"tier"`
	Status         string  `json:"status"`
	QuotaRemaining float64 `json:"quota_remaining"`
	QuotaResetAt   int64   `json:"quota_reset_at"`
	LastUsedAt     int64   `json:"last_used_at"`
	ErrorCount     int     `json:"error_count"`
	LastError      string  `json:"last_error,omitempty"`
	CreatedAt      int64   `json:"created_at"`
}

// RequestLog is one append-only request record. AccountID is nullable so the
// accounts foreign key can cascade to NULL on deletion.
type RequestLog struct {
	ID               int64  `json:"id"`
	AccountID        *int64 `json:"account_id,omitempty"`
	APIKeyID         *int64 `json:"api_key_id,omitempty"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ThinkingTokens   int    `json:"thinking_tokens"`
	Status           string `json:"status"`
	LatencyMs        int64  `json:"latency_ms"`
	Error            string `json:"error,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

// SignatureRow is one persisted signature cache entry.
type SignatureRow struct {
	Kind      string
	CacheKey  string
	Signature string
	SavedAt   int64
}

// Store is the persistence boundary. The pool holds read snapshots only;
// accounts are owned here.
type Store interface {
	// Accounts. The getters return (nil, nil) when no account matches.
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	// ListSchedulable returns status=active accounts ordered by id asc.
	// Disabled accounts are hidden here by definition.
	ListSchedulable(ctx context.Context) ([]*Account, error)
	UpdateAccount(ctx context.Context, a *Account) error
	// UpdateAccountTokens replaces the token pair after a re-login. This is
	// the only write path for refresh_token post-creation.
	UpdateAccountTokens(ctx context.Context, id int64, refreshToken, accessToken string, tokenExpiry int64) error
	UpdateAccountStatus(ctx context.Context, id int64, status, lastError string) error
	TouchAccountUsed(ctx context.Context, id int64, atMs int64) error
	DeleteAccount(ctx context.Context, id int64) error

	// Request logs.
	InsertRequestLog(ctx context.Context, l *RequestLog) error

	// Settings (key -> JSON value).
	GetSetting(ctx context.Context, key string, out interface{}) (bool, error)
	SetSetting(ctx context.Context, key string, value interface{}) error

	// API keys.
	ValidateAPIKey(ctx context.Context, key string) (*int64, bool, error)
	CountAPIKeys(ctx context.Context) (int, error)

	// Durable signature cache.
	PutSignature(ctx context.Context, row *SignatureRow) error
	GetSignature(ctx context.Context, kind, cacheKey string) (*SignatureRow, error)
	DeleteSignaturesBefore(ctx context.Context, cutoffMs int64) (int64, error)

	Close() error
}
