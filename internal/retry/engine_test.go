package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/pool"
	"github.com/openfold/gravity-gateway/internal/store"
)

type passValidator struct{}

func (passValidator) EnsureValid(_ context.Context, acct *store.Account) (*store.Account, error) {
	return acct, nil
}

func testConfig() *config.Config {
	return &config.Config{
		SameAccountRetries:    1,
		RetryBaseDelay:        time.Millisecond,
		MaxAccountSwitches:    3,
		RequestDeadline:       5 * time.Second,
		CooldownDefault:       10 * time.Second,
		CooldownMax:           10 * time.Minute,
		ErrorDisableThreshold: 5,
	}
}

func testEngine(t *testing.T, emails ...string) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	for _, email := range emails {
		require.NoError(t, st.CreateAccount(context.Background(), &store.Account{
			Email:          email,
			Status:         store.StatusActive,
			QuotaRemaining: 100,
		}))
	}
	cfg := testConfig()
	p := pool.New(st, passValidator{}, cfg)
	return New(p, nil, st, cfg), st
}

func alwaysRetry() bool { return true }

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	eng, _ := testEngine(t, "a@example.com")

	var used *store.Account
	calls := 0
	err := eng.Run(context.Background(), "gemini-3-flash", alwaysRetry,
		func(a *store.Account) { used = a },
		func(ctx context.Context, a *store.Account) error {
			calls++
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.NotNil(t, used)
	assert.Equal(t, "a@example.com", used.Email)
}

func TestRunSwitchesAccountOnCapacityError(t *testing.T) {
	eng, _ := testEngine(t, "a@example.com", "b@example.com")

	var attempts []string
	err := eng.Run(context.Background(), "gemini-3-flash", alwaysRetry, nil,
		func(ctx context.Context, a *store.Account) error {
			attempts = append(attempts, a.Email)
			if a.Email == "a@example.com" {
				return gwerr.Capacity("Resource has been exhausted, reset after 2s", 3000)
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, attempts)
}

func TestRunStreamingGuardStopsAllRetries(t *testing.T) {
	eng, _ := testEngine(t, "a@example.com", "b@example.com")

	wroteBytes := false
	calls := 0
	err := eng.Run(context.Background(), "gemini-3-flash",
		func() bool { return !wroteBytes },
		nil,
		func(ctx context.Context, a *store.Account) error {
			calls++
			wroteBytes = true
			return gwerr.Capacity("Resource has been exhausted", 1000)
		})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, gwerr.IsCapacity(err))
}

func TestRunRetriesTransientErrorOnSameAccount(t *testing.T) {
	eng, _ := testEngine(t, "a@example.com")

	calls := 0
	err := eng.Run(context.Background(), "gemini-3-flash", alwaysRetry, nil,
		func(ctx context.Context, a *store.Account) error {
			calls++
			if calls == 1 {
				e := gwerr.New(gwerr.CodeUpstream, "bad gateway")
				e.UpstreamStatus = 502
				e.Retryable = true
				return e
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunNonSwitchableErrorSurfacesImmediately(t *testing.T) {
	eng, _ := testEngine(t, "a@example.com", "b@example.com")

	calls := 0
	err := eng.Run(context.Background(), "gemini-3-flash", alwaysRetry, nil,
		func(ctx context.Context, a *store.Account) error {
			calls++
			e := gwerr.New(gwerr.CodeBlocked, "Prompt blocked by upstream")
			e.UpstreamStatus = 400
			return e
		})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, gwerr.CodeBlocked, gwerr.Code(err))
}

func TestRunRefreshTokenInvalidDemotesAccount(t *testing.T) {
	eng, st := testEngine(t, "a@example.com", "b@example.com")

	var attempts []string
	err := eng.Run(context.Background(), "gemini-3-flash", alwaysRetry, nil,
		func(ctx context.Context, a *store.Account) error {
			attempts = append(attempts, a.Email)
			if a.Email == "a@example.com" {
				return gwerr.New(gwerr.CodeAuthPermanent, "invalid_grant")
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, attempts)

	demoted, getErr := st.GetAccountByEmail(context.Background(), "a@example.com")
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusError, demoted.Status)
}

func TestRunEmptyPoolReturnsNoAccounts(t *testing.T) {
	eng, _ := testEngine(t)

	err := eng.Run(context.Background(), "gemini-3-flash", alwaysRetry, nil,
		func(ctx context.Context, a *store.Account) error { return nil })

	require.Error(t, err)
	assert.Equal(t, gwerr.CodeNoAccounts, gwerr.Code(err))
}

func TestRunCapacityExhaustionAcrossWholePool(t *testing.T) {
	eng, _ := testEngine(t, "a@example.com", "b@example.com")

	calls := 0
	err := eng.Run(context.Background(), "gemini-3-flash", alwaysRetry, nil,
		func(ctx context.Context, a *store.Account) error {
			calls++
			return gwerr.Capacity("exhausted your capacity on this model, reset after 30s", 31000)
		})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, gwerr.IsCapacity(err))
}

func TestRunDeadlineMapsToDeadlineCode(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.CreateAccount(context.Background(), &store.Account{
		Email: "a@example.com", Status: store.StatusActive, QuotaRemaining: 100,
	}))
	cfg := testConfig()
	cfg.RequestDeadline = 20 * time.Millisecond
	eng := New(pool.New(st, passValidator{}, cfg), nil, st, cfg)

	err := eng.Run(context.Background(), "gemini-3-flash", alwaysRetry, nil,
		func(ctx context.Context, a *store.Account) error {
			<-ctx.Done()
			return gwerr.New(gwerr.CodeUpstream, "aborted mid flight")
		})

	require.Error(t, err)
	assert.Equal(t, gwerr.CodeDeadline, gwerr.Code(err))
}
