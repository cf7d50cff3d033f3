package store

// SQLite-backed Store.
//
// Uses modernc.org/sqlite for a pure-Go, CGO-free build that works the same
// on every platform the gateway deploys to.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite implements Store on a single sqlite database file.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	refresh_token TEXT NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	token_expiry INTEGER NOT NULL DEFAULT 0,
	project_id TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT 'free-tier',
	status TEXT NOT NULL DEFAULT 'active',
	quota_remaining REAL NOT NULL DEFAULT 1.0,
	quota_reset_at INTEGER NOT NULL DEFAULT 0,
	last_used_at INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS request_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER REFERENCES accounts(id) ON DELETE SET NULL,
	api_key_id INTEGER,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	thinking_tokens INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS signature_cache (
	kind TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	signature TEXT NOT NULL,
	saved_at INTEGER NOT NULL,
	UNIQUE(kind, cache_key)
);

CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_signature_cache_saved ON signature_cache(saved_at);
`

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const accountColumns = `id, email, refresh_token, access_token, token_expiry, project_id, tier,
	status, quota_remaining, quota_reset_at, last_used_at, error_count, last_error, created_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	a := &Account{}
	err := row.Scan(&a.ID, &a.Email, &a.RefreshToken, &a.AccessToken, &a.TokenExpiry,
		&a.ProjectID, &a.Tier, &a.Status, &a.QuotaRemaining, &a.QuotaResetAt,
		&a.LastUsedAt, &a.ErrorCount, &a.LastError, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAccount inserts a new account.
func (s *SQLite) CreateAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.Tier == "" {
		a.Tier = "free-tier"
	}
	if a.QuotaRemaining == 0 {
		a.QuotaRemaining = 1.0
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO accounts
		(email, refresh_token, access_token, token_expiry, project_id, tier, status,
		 quota_remaining, quota_reset_at, last_used_at, error_count, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Email, a.RefreshToken, a.AccessToken, a.TokenExpiry, a.ProjectID, a.Tier, a.Status,
		a.QuotaRemaining, a.QuotaResetAt, a.LastUsedAt, a.ErrorCount, a.LastError, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLite) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *SQLite) ListAccounts(ctx context.Context) ([]*Account, error) {
	return s.listWhere(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id ASC`)
}

// ListSchedulable returns active accounts ordered by id. The scheduler's
// round-robin cursor depends on this ordering being stable.
func (s *SQLite) ListSchedulable(ctx context.Context) ([]*Account, error) {
	return s.listWhere(ctx, `SELECT `+accountColumns+` FROM accounts WHERE status = 'active' ORDER BY id ASC`)
}

func (s *SQLite) listWhere(ctx context.Context, query string, args ...interface{}) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccount writes back everything except the refresh token; re-login
// replaces that through UpdateAccountTokens.
func (s *SQLite) UpdateAccount(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET
		access_token = ?, token_expiry = ?, project_id = ?, tier = ?, status = ?,
		quota_remaining = ?, quota_reset_at = ?, last_used_at = ?, error_count = ?, last_error = ?
		WHERE id = ?`,
		a.AccessToken, a.TokenExpiry, a.ProjectID, a.Tier, a.Status,
		a.QuotaRemaining, a.QuotaResetAt, a.LastUsedAt, a.ErrorCount, a.LastError, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", a.ID, err)
	}
	return nil
}

// UpdateAccountTokens replaces the account's token pair after a re-login.
func (s *SQLite) UpdateAccountTokens(ctx context.Context, id int64, refreshToken, accessToken string, tokenExpiry int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET refresh_token = ?, access_token = ?, token_expiry = ? WHERE id = ?`,
		refreshToken, accessToken, tokenExpiry, id)
	if err != nil {
		return fmt.Errorf("failed to update tokens for account %d: %w", id, err)
	}
	return nil
}

func (s *SQLite) UpdateAccountStatus(ctx context.Context, id int64, status, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, last_error = ? WHERE id = ?`, status, lastError, id)
	return err
}

func (s *SQLite) TouchAccountUsed(ctx context.Context, id int64, atMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_used_at = ? WHERE id = ?`, atMs, id)
	return err
}

func (s *SQLite) DeleteAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

func (s *SQLite) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO request_logs
		(account_id, api_key_id, model, prompt_tokens, completion_tokens, total_tokens,
		 thinking_tokens, status, latency_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.AccountID, l.APIKeyID, l.Model, l.PromptTokens, l.CompletionTokens, l.TotalTokens,
		l.ThinkingTokens, l.Status, l.LatencyMs, l.Error, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// GetSetting unmarshals the JSON value for key into out. Returns false when
// the key is absent.
func (s *SQLite) GetSetting(ctx context.Context, key string, out interface{}) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("failed to parse setting %q: %w", key, err)
	}
	return true, nil
}

func (s *SQLite) SetSetting(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(data))
	return err
}

// ValidateAPIKey returns (key id, ok). Disabled keys do not validate.
func (s *SQLite) ValidateAPIKey(ctx context.Context, key string) (*int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM api_keys WHERE key = ? AND enabled = 1`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &id, true, nil
}

func (s *SQLite) CountAPIKeys(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE enabled = 1`).Scan(&n)
	return n, err
}

func (s *SQLite) PutSignature(ctx context.Context, row *SignatureRow) error {
	if row.SavedAt == 0 {
		row.SavedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO signature_cache (kind, cache_key, signature, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, cache_key) DO UPDATE SET signature = excluded.signature, saved_at = excluded.saved_at`,
		row.Kind, row.CacheKey, row.Signature, row.SavedAt)
	return err
}

func (s *SQLite) GetSignature(ctx context.Context, kind, cacheKey string) (*SignatureRow, error) {
	row := &SignatureRow{Kind: kind, CacheKey: cacheKey}
	err := s.db.QueryRowContext(ctx,
		`SELECT signature, saved_at FROM signature_cache WHERE kind = ? AND cache_key = ?`,
		kind, cacheKey).Scan(&row.Signature, &row.SavedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// DeleteSignaturesBefore removes persisted entries older than cutoff, for the
// best-effort TTL sweep.
func (s *SQLite) DeleteSignaturesBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signature_cache WHERE saved_at < ?`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
