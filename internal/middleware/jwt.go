package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/auth"
)

const accountLocalsKey = "account"

// JWTAuth validates the bearer access token and loads the caller's account.
// Expired tokens get a 401 with expired=true so clients know to refresh.
func JWTAuth(tokens *auth.Service, accounts *account.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "Access token required")
		}
		claims, err := tokens.ParseAccess(strings.TrimSpace(authz[len("Bearer "):]))
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"message": "Access token expired",
				"expired": true,
			})
		case err != nil:
			return fiber.NewError(http.StatusUnauthorized, "Invalid access token")
		}

		acc, err := accounts.Get(c.UserContext(), claims.Subject)
		if err != nil {
			if errors.Is(err, account.ErrNotFound) {
				return fiber.NewError(http.StatusUnauthorized, "Account not found")
			}
			return err
		}
		if !acc.IsActive() {
			return fiber.NewError(http.StatusUnauthorized, "Account is not active")
		}

		SetCurrentAccount(c, acc)
		return c.Next()
	}
}

// SetCurrentAccount stores acc as the authenticated caller.
func SetCurrentAccount(c *fiber.Ctx, acc account.Account) {
	c.Locals(accountLocalsKey, acc)
}

// CurrentAccount returns the account loaded by JWTAuth.
func CurrentAccount(c *fiber.Ctx) (account.Account, bool) {
	acc, ok := c.Locals(accountLocalsKey).(account.Account)
	return acc, ok
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...account.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		acc, ok := CurrentAccount(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "Access token required")
		}
		for _, r := range roles {
			if acc.Role == r {
				return c.Next()
			}
		}
		return fiber.NewError(http.StatusForbidden, "Insufficient permissions")
	}
}
