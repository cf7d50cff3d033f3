package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedAccount(t *testing.T, st Store) *Account {
	t.Helper()
	a := &Account{
		Email:        "a@example.com",
		RefreshToken: "rt-original",
		AccessToken:  "at-1",
		Status:       StatusActive,
	}
	require.NoError(t, st.CreateAccount(context.Background(), a))
	return a
}

func TestSQLiteGetAccountByEmailMissing(t *testing.T) {
	st := openTestDB(t)

	acct, err := st.GetAccountByEmail(context.Background(), "nosuch@example.com")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestMemoryGetAccountByEmailMissing(t *testing.T) {
	// Memory mirrors the sqlite not-found convention so CLI callers can
	// nil-check against either implementation.
	st := NewMemory()

	acct, err := st.GetAccountByEmail(context.Background(), "nosuch@example.com")
	require.NoError(t, err)
	assert.Nil(t, acct)

	byID, err := st.GetAccount(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, byID)
}

func TestSQLiteUpdateAccountLeavesRefreshToken(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, st)

	a.RefreshToken = "rt-overwritten"
	a.AccessToken = "at-2"
	require.NoError(t, st.UpdateAccount(ctx, a))

	stored, err := st.GetAccountByEmail(ctx, a.Email)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "rt-original", stored.RefreshToken)
	assert.Equal(t, "at-2", stored.AccessToken)
}

func TestSQLiteUpdateAccountTokensReplacesRefreshToken(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	a := seedAccount(t, st)

	require.NoError(t, st.UpdateAccountTokens(ctx, a.ID, "rt-new", "at-new", 12345))

	stored, err := st.GetAccountByEmail(ctx, a.Email)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "rt-new", stored.RefreshToken)
	assert.Equal(t, "at-new", stored.AccessToken)
	assert.Equal(t, int64(12345), stored.TokenExpiry)
}

func TestMemoryUpdateAccountTokensReplacesRefreshToken(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	a := seedAccount(t, st)

	require.NoError(t, st.UpdateAccountTokens(ctx, a.ID, "rt-new", "at-new", 12345))

	stored, err := st.GetAccountByEmail(ctx, a.Email)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "rt-new", stored.RefreshToken)
	assert.Equal(t, int64(12345), stored.TokenExpiry)
}
