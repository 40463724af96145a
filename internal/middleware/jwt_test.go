package middleware

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/auth"
	"github.com/keyportal/keyportal/internal/config"
)

func TestJWTAuthAndRoleGuard(t *testing.T) {
	ctx := context.Background()
	accounts := account.NewService(account.NewMemoryRepository()).WithHashCost(bcrypt.MinCost)
	admin, _, err := accounts.EnsureAdmin(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)
	nd, err := accounts.CreateChild(ctx, admin, account.ChildInput{Name: "ND", Email: "nd@example.com", Password: "password1"})
	require.NoError(t, err)

	cfg := config.Config{
		JWTSecret:       "access",
		RefreshSecret:   "refresh",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}
	tokens := auth.NewService(cfg, accounts, auth.NewMemoryStore())

	app := fiber.New()
	app.Get("/me", JWTAuth(tokens, accounts), func(c *fiber.Ctx) error {
		acc, _ := CurrentAccount(c)
		return c.SendString(acc.ID)
	})
	app.Get("/admin-only", JWTAuth(tokens, accounts), RequireRole(account.RoleAdmin), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	call := func(path, token string) int {
		req := httptest.NewRequest(fiber.MethodGet, path, nil)
		if token != "" {
			req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	adminPair, _, err := tokens.Login(ctx, "admin@example.com", "supersecret")
	require.NoError(t, err)
	ndPair, _, err := tokens.Login(ctx, "nd@example.com", "password1")
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusUnauthorized, call("/me", ""))
	assert.Equal(t, fiber.StatusUnauthorized, call("/me", "garbage"))
	assert.Equal(t, fiber.StatusOK, call("/me", ndPair.AccessToken))
	assert.Equal(t, fiber.StatusForbidden, call("/admin-only", ndPair.AccessToken))
	assert.Equal(t, fiber.StatusOK, call("/admin-only", adminPair.AccessToken))

	_, err = accounts.SetChildStatus(ctx, admin, nd.ID, account.StatusBlocked)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, call("/me", ndPair.AccessToken))

	tokens.WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+adminPair.AccessToken)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["expired"])
}
