package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		JWTSecret:       "access-secret",
		RefreshSecret:   "refresh-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}
}

type fixture struct {
	svc      *Service
	accounts *account.Service
	store    SessionStore
	admin    account.Account
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	accounts := account.NewService(account.NewMemoryRepository()).WithHashCost(bcrypt.MinCost)
	admin, _, err := accounts.EnsureAdmin(context.Background(), "admin@example.com", "supersecret")
	require.NoError(t, err)
	store := NewMemoryStore()
	return fixture{svc: NewService(testConfig(), accounts, store), accounts: accounts, store: store, admin: admin}
}

func TestLoginIssuesPairAndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, acc, err := f.svc.Login(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)
	assert.Equal(t, f.admin.ID, acc.ID)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := f.svc.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.admin.ID, claims.Subject)
	assert.Equal(t, string(account.RoleAdmin), claims.Role)

	refreshClaims, err := f.svc.refresh.parse(pair.RefreshToken, time.Now)
	require.NoError(t, err)
	sess, err := f.store.Find(ctx, refreshClaims.ID)
	require.NoError(t, err)
	assert.Equal(t, hashToken(pair.RefreshToken), sess.TokenHash)

	_, _, err = f.svc.Login(ctx, "admin@example.com", "wrong")
	assert.ErrorIs(t, err, account.ErrInvalidCredentials)
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.svc.Login(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)

	second, acc, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, f.admin.ID, acc.ID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	third, _, err := f.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, third.RefreshToken)
}

func TestRefreshReuseRevokesAllSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	browser, _, err := f.svc.Login(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)
	phone, _, err := f.svc.Login(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)

	rotated, _, err := f.svc.Refresh(ctx, browser.RefreshToken)
	require.NoError(t, err)

	_, _, err = f.svc.Refresh(ctx, browser.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReused)

	// every outstanding session of the owner is gone
	_, _, err = f.svc.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReused)
	_, _, err = f.svc.Refresh(ctx, phone.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReused)
}

func TestRefreshExpiredTokenRemovesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, _, err := f.svc.Login(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)
	claims, err := f.svc.refresh.parse(pair.RefreshToken, time.Now)
	require.NoError(t, err)

	f.svc.WithClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	_, _, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.store.Find(ctx, claims.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshRejectsGarbageAndForeignTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Refresh(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = f.svc.Refresh(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	forged := signer{secret: []byte("other"), ttl: time.Hour, kind: tokenTypeRefresh}
	token, _, err := forged.sign(f.admin.ID, string(account.RoleAdmin), time.Now())
	require.NoError(t, err)
	_, _, err = f.svc.Refresh(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshOwnerMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, claims, err := f.svc.refresh.sign(f.admin.ID, string(account.RoleAdmin), time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.Add(ctx, Session{
		ID:        claims.ID,
		AccountID: "someone-else",
		TokenHash: hashToken(token),
		ExpiresAt: claims.ExpiresAt.Time,
	}))

	_, _, err = f.svc.Refresh(ctx, token)
	assert.ErrorIs(t, err, ErrTokenMismatch)

	_, err = f.store.Find(ctx, claims.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshRejectsInactiveOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nd, err := f.accounts.CreateChild(ctx, f.admin, account.ChildInput{Name: "ND", Email: "nd@example.com", Password: "password1"})
	require.NoError(t, err)
	pair, _, err := f.svc.Login(ctx, "nd@example.com", "password1")
	require.NoError(t, err)

	_, err = f.accounts.SetChildStatus(ctx, f.admin, nd.ID, account.StatusInactive)
	require.NoError(t, err)

	_, _, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, _, err := f.svc.Login(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, "garbage"))
	require.NoError(t, f.svc.Logout(ctx, ""))

	_, _, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReused)
}

func TestParseAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, _, err := f.svc.Login(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)

	_, err = f.svc.ParseAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.svc.ParseAccess("")
	assert.ErrorIs(t, err, ErrMissingToken)

	f.svc.WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	_, err = f.svc.ParseAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
