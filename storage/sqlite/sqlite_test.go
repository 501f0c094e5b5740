package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rick-terminal/models"
	"rick-terminal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	st, err := New(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, Migrate(path))
	require.NoError(t, Migrate(path))
}

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)

	maxUsers := 2
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	token := models.AccessToken{
		Value:     "RICK-" + gofakeit.LetterN(12),
		Label:     gofakeit.Company(),
		Active:    true,
		MaxUsers:  &maxUsers,
		ExpiresAt: &expires,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.SaveToken(ctx, token))

	err := st.SaveToken(ctx, token)
	require.ErrorIs(t, err, storage.ErrTokenExists)

	got, err := st.Token(ctx, token.Value)
	require.NoError(t, err)
	assert.Equal(t, token.Label, got.Label)
	assert.True(t, got.Active)
	require.NotNil(t, got.MaxUsers)
	assert.Equal(t, 2, *got.MaxUsers)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, expires, *got.ExpiresAt, time.Second)

	require.NoError(t, st.SetTokenActive(ctx, token.Value, false))
	got, err = st.Token(ctx, token.Value)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.ErrorIs(t, st.SetTokenActive(ctx, "missing", true), storage.ErrTokenNotFound)

	_, err = st.Token(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestTokenUsers(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)

	value := "RICK-" + gofakeit.LetterN(12)
	require.NoError(t, st.SaveToken(ctx, models.AccessToken{Value: value, Active: true, CreatedAt: time.Now()}))

	now := time.Now()
	user := models.TokenUser{
		TokenValue: value,
		Username:   gofakeit.Username(),
		Login:      gofakeit.Email(),
		CreatedAt:  now,
		LastLogin:  now,
	}
	require.NoError(t, st.SaveTokenUser(ctx, user))
	require.ErrorIs(t, st.SaveTokenUser(ctx, user), storage.ErrUserExists)

	later := now.Add(time.Minute)
	require.NoError(t, st.TouchTokenUser(ctx, value, user.Username, "", later))

	users, err := st.TokenUsers(ctx, value)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, user.Login, users[0].Login, "empty login keeps the stored one")
	assert.WithinDuration(t, later, users[0].LastLogin, time.Second)

	renamed := gofakeit.Username() + "x"
	require.NoError(t, st.RenameTokenUser(ctx, value, user.Username, renamed, later))
	users, err = st.TokenUsers(ctx, value)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, renamed, users[0].Username)

	summaries, err := st.Tokens(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].UsersCount)
	assert.Nil(t, summaries[0].MaxUsers)

	require.NoError(t, st.DeleteTokenUser(ctx, value, renamed))
	require.ErrorIs(t, st.DeleteTokenUser(ctx, value, renamed), storage.ErrUserNotFound)
	require.ErrorIs(t, st.TouchTokenUser(ctx, value, renamed, "", later), storage.ErrUserNotFound)
}

func TestAdmins(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)

	n, err := st.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	id, err := st.SaveAdmin(ctx, "admin", []byte("hash"))
	require.NoError(t, err)

	_, err = st.SaveAdmin(ctx, "admin", []byte("hash"))
	require.ErrorIs(t, err, storage.ErrAdminExists)

	require.NoError(t, st.UpdateAdmin(ctx, id, "root", []byte("hash2")))
	_, err = st.Admin(ctx, "admin")
	require.ErrorIs(t, err, storage.ErrAdminNotFound)

	a, err := st.Admin(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash2"), a.PassHash)

	require.NoError(t, st.ResetAdmins(ctx, "ops", []byte("hash3")))
	n, err = st.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSignalHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		sig := models.Signal{
			ID:         gofakeit.UUID(),
			Username:   "alice",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Symbol:     "EURUSD",
			Timeframe:  5,
			Direction:  models.Call,
			EntryPrice: 1.0834,
			Pattern:    models.Pattern{Type: models.PinBar, Description: "pin"},
			Confidence: 70 + float64(i),
		}
		require.NoError(t, st.SaveSignal(ctx, sig))
		require.NoError(t, st.SaveSignal(ctx, sig), "duplicate ids are ignored")
	}

	got, err := st.Signals(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 72.0, got[0].Confidence)

	one, err := st.SignalByID(ctx, got[1].ID)
	require.NoError(t, err)
	assert.Equal(t, got[1].Symbol, one.Symbol)

	_, err = st.SignalByID(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrSignalNotFound)

	none, err := st.Signals(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLoginHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)

	require.NoError(t, st.SaveLogin(ctx, models.LoginEvent{Username: "a", TokenValue: "t", Success: true, CreatedAt: time.Now()}))
	require.NoError(t, st.SaveLogin(ctx, models.LoginEvent{Username: "b", TokenValue: "t", Message: "seat limit", CreatedAt: time.Now()}))

	events, err := st.Logins(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Username)
	assert.False(t, events[0].Success)
	assert.True(t, events[1].Success)
}
