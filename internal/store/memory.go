package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Store used by tests and as a last-resort fallback
// when no database path is usable. It mirrors the SQLite semantics that
// matter to callers: id assignment, schedulable ordering, signature upserts.
type Memory struct {
	mu         sync.Mutex
	nextID     int64
	accounts   map[int64]*Account
	logs       []*RequestLog
	settings   map[string][]byte
	apiKeys    map[string]int64
	signatures map[string]*SignatureRow
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nextID:     1,
		accounts:   make(map[int64]*Account),
		settings:   make(map[string][]byte),
		apiKeys:    make(map[string]int64),
		signatures: make(map[string]*SignatureRow),
	}
}

func (m *Memory) CreateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.Email == a.Email {
			return fmt.Errorf("account %s already exists", a.Email)
		}
	}
	a.ID = m.nextID
	m.nextID++
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(func(*Account) bool { return true }), nil
}

func (m *Memory) ListSchedulable(_ context.Context) ([]*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(func(a *Account) bool { return a.Status == StatusActive }), nil
}

func (m *Memory) snapshot(keep func(*Account) bool) []*Account {
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) UpdateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; !ok {
		return fmt.Errorf("account %d not found", a.ID)
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *Memory) UpdateAccountTokens(_ context.Context, id int64, refreshToken, accessToken string, tokenExpiry int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %d not found", id)
	}
	a.RefreshToken = refreshToken
	a.AccessToken = accessToken
	a.TokenExpiry = tokenExpiry
	return nil
}

func (m *Memory) UpdateAccountStatus(_ context.Context, id int64, status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %d not found", id)
	}
	a.Status = status
	a.LastError = lastError
	return nil
}

func (m *Memory) TouchAccountUsed(_ context.Context, id int64, atMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.LastUsedAt = atMs
	}
	return nil
}

func (m *Memory) DeleteAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, id)
	return nil
}

func (m *Memory) InsertRequestLog(_ context.Context, l *RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	cp.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, &cp)
	return nil
}

// RequestLogs returns the inserted logs, oldest first.
func (m *Memory) RequestLogs() []*RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RequestLog, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *Memory) GetSetting(_ context.Context, key string, out interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.settings[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *Memory) SetSetting(_ context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = raw
	return nil
}

// AddAPIKey registers a key for ValidateAPIKey.
func (m *Memory) AddAPIKey(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.apiKeys) + 1)
	m.apiKeys[key] = id
	return id
}

func (m *Memory) ValidateAPIKey(_ context.Context, key string) (*int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.apiKeys[key]
	if !ok {
		return nil, false, nil
	}
	return &id, true, nil
}

func (m *Memory) CountAPIKeys(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.apiKeys), nil
}

func sigKey(kind, cacheKey string) string { return kind + "|" + cacheKey }

func (m *Memory) PutSignature(_ context.Context, row *SignatureRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.signatures[sigKey(row.Kind, row.CacheKey)] = &cp
	return nil
}

func (m *Memory) GetSignature(_ context.Context, kind, cacheKey string) (*SignatureRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.signatures[sigKey(kind, cacheKey)]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *Memory) DeleteSignaturesBefore(_ context.Context, cutoffMs int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for key, row := range m.signatures {
		if row.SavedAt < cutoffMs {
			delete(m.signatures, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) Close() error { return nil }
