package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/store"
)

type passValidator struct{}

func (passValidator) EnsureValid(_ context.Context, a *store.Account) (*store.Account, error) {
	return a, nil
}

type failValidator struct {
	failEmails map[string]bool
}

func (v failValidator) EnsureValid(_ context.Context, a *store.Account) (*store.Account, error) {
	if v.failEmails[a.Email] {
		return nil, errors.New("refresh failed")
	}
	return a, nil
}

func testConfig() *config.Config {
	return &config.Config{
		CooldownDefault:       10 * time.Second,
		CooldownMax:           10 * time.Minute,
		ErrorDisableThreshold: 3,
	}
}

func seedAccounts(t *testing.T, st *store.Memory, quotas ...float64) []*store.Account {
	t.Helper()
	out := make([]*store.Account, 0, len(quotas))
	for i, q := range quotas {
		a := &store.Account{
			Email:          string(rune('a'+i)) + "@example.com",
			Status:         store.StatusActive,
			QuotaRemaining: q,
			LastUsedAt:     int64(i),
		}
		require.NoError(t, st.CreateAccount(context.Background(), a))
		out = append(out, a)
	}
	return out
}

func TestGetBestPrefersQuotaHeadroom(t *testing.T) {
	st := store.NewMemory()
	seedAccounts(t, st, 0.2, 0.9, 0.5)
	p := New(st, passValidator{}, testConfig())

	got, err := p.GetBest(context.Background(), "gemini-3-pro-preview")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", got.Email)
}

func TestGetBestBreaksQuotaTiesByLeastRecentlyUsed(t *testing.T) {
	st := store.NewMemory()
	accounts := seedAccounts(t, st, 0.5, 0.5)
	require.NoError(t, st.TouchAccountUsed(context.Background(), accounts[0].ID, 2000))
	require.NoError(t, st.TouchAccountUsed(context.Background(), accounts[1].ID, 1000))
	p := New(st, passValidator{}, testConfig())

	got, err := p.GetBest(context.Background(), "gemini-3-pro-preview")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", got.Email)
}

func TestGetBestSkipsExhaustedQuota(t *testing.T) {
	st := store.NewMemory()
	seedAccounts(t, st, 0, 0.1)
	p := New(st, passValidator{}, testConfig())

	got, err := p.GetBest(context.Background(), "gemini-3-pro-preview")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", got.Email)
}

func TestGetBestSkipsCoolingAccount(t *testing.T) {
	st := store.NewMemory()
	accounts := seedAccounts(t, st, 0.9, 0.5)
	p := New(st, passValidator{}, testConfig())

	p.MarkCapacityLimited(accounts[0], "gemini-3-pro-preview", "")

	got, err := p.GetBest(context.Background(), "gemini-3-pro-preview")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", got.Email)
}

func TestCooldownIsScopedToEffectiveModel(t *testing.T) {
	st := store.NewMemory()
	accounts := seedAccounts(t, st, 0.9)
	p := New(st, passValidator{}, testConfig())

	p.MarkCapacityLimited(accounts[0], "gemini-3-pro-preview", "")

	// Same account still serves other models.
	got, err := p.GetBest(context.Background(), "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, accounts[0].Email, got.Email)

	_, err = p.GetBest(context.Background(), "gemini-3-pro-preview")
	require.Error(t, err)
}

func TestGetNextRotatesInIDOrder(t *testing.T) {
	st := store.NewMemory()
	seedAccounts(t, st, 0.5, 0.5, 0.5)
	p := New(st, passValidator{}, testConfig())
	ctx := context.Background()

	var emails []string
	for i := 0; i < 4; i++ {
		a, err := p.GetNext(ctx, "gemini-3-pro-preview", nil)
		require.NoError(t, err)
		emails = append(emails, a.Email)
	}
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com", "a@example.com"}, emails)
}

func TestGetNextSkipsExcluded(t *testing.T) {
	st := store.NewMemory()
	accounts := seedAccounts(t, st, 0.5, 0.5, 0.5)
	p := New(st, passValidator{}, testConfig())

	got, err := p.GetNext(context.Background(), "gemini-3-pro-preview", map[int64]bool{
		accounts[0].ID: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", got.Email)
}

func TestGetNextAdvancesCursorPastFailedValidation(t *testing.T) {
	st := store.NewMemory()
	seedAccounts(t, st, 0.5, 0.5)
	p := New(st, failValidator{failEmails: map[string]bool{"a@example.com": true}}, testConfig())

	got, err := p.GetNext(context.Background(), "gemini-3-pro-preview", nil)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", got.Email)
}

func TestAllCoolingReturnsResetHint(t *testing.T) {
	st := store.NewMemory()
	accounts := seedAccounts(t, st, 0.9, 0.5)
	p := New(st, passValidator{}, testConfig())

	for _, a := range accounts {
		p.MarkCapacityLimited(a, "gemini-3-pro-preview", "")
	}

	_, err := p.GetNext(context.Background(), "gemini-3-pro-preview", nil)
	require.Error(t, err)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.CodeNoAccounts, ge.Code)
	assert.Greater(t, ge.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, ge.RetryAfterMs, (10 * time.Second).Milliseconds())
}

func TestEmptyPoolError(t *testing.T) {
	st := store.NewMemory()
	p := New(st, passValidator{}, testConfig())

	_, err := p.GetBest(context.Background(), "gemini-3-pro-preview")
	require.Error(t, err)
	ge, ok := gwerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerr.CodeNoAccounts, ge.Code)
	assert.Zero(t, ge.RetryAfterMs)
}

func TestLockCapPreventsDoubleDispatch(t *testing.T) {
	st := store.NewMemory()
	seedAccounts(t, st, 0.9)
	cfg := testConfig()
	cfg.AccountMaxConcurrency = 1
	p := New(st, passValidator{}, cfg)
	ctx := context.Background()

	first, err := p.GetBest(ctx, "gemini-3-pro-preview")
	require.NoError(t, err)

	_, err = p.GetBest(ctx, "gemini-3-pro-preview")
	require.Error(t, err)

	p.Unlock(first)
	_, err = p.GetBest(ctx, "gemini-3-pro-preview")
	require.NoError(t, err)
}

func TestLockCapZeroIsNoOp(t *testing.T) {
	st := store.NewMemory()
	seedAccounts(t, st, 0.9)
	p := New(st, passValidator{}, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.GetBest(ctx, "gemini-3-pro-preview")
		require.NoError(t, err)
	}
}

func TestMarkErrorDisablesAtThreshold(t *testing.T) {
	st := store.NewMemory()
	accounts := seedAccounts(t, st, 0.9)
	p := New(st, passValidator{}, testConfig())
	ctx := context.Background()

	cause := errors.New("upstream exploded")
	assert.False(t, p.MarkError(ctx, accounts[0], cause))
	assert.False(t, p.MarkError(ctx, accounts[0], cause))
	assert.True(t, p.MarkError(ctx, accounts[0], cause))

	stored, err := st.GetAccount(ctx, accounts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, stored.Status)

	_, err = p.GetBest(ctx, "gemini-3-pro-preview")
	require.Error(t, err)
}

func TestMarkSuccessClearsErrorCount(t *testing.T) {
	st := store.NewMemory()
	accounts := seedAccounts(t, st, 0.9)
	p := New(st, passValidator{}, testConfig())
	ctx := context.Background()

	p.MarkError(ctx, accounts[0], errors.New("boom"))
	p.MarkSuccess(ctx, accounts[0])

	stored, err := st.GetAccount(ctx, accounts[0].ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ErrorCount)
	assert.Empty(t, stored.LastError)
}

func TestStatsSnapshotCountsCooldowns(t *testing.T) {
	st := store.NewMemory()
	accounts := seedAccounts(t, st, 0.9, 0.5)
	p := New(st, passValidator{}, testConfig())

	p.MarkCapacityLimited(accounts[0], "gemini-3-pro-preview", "")

	stats, err := p.StatsSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Accounts)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.CoolingDown)
}
