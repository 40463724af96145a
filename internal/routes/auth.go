package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/keyportal/keyportal/internal/auth"
)

// RegisterAuthRoutes wires login, refresh-token rotation and logout. Only
// login is throttled.
func RegisterAuthRoutes(app *fiber.App, h *auth.Handler, loginLimiter fiber.Handler) {
	sessions := app.Group("/auth")
	sessions.Post("/login", loginLimiter, h.Login)
	sessions.Post("/refresh-token", h.Refresh)
	sessions.Post("/logout", h.Logout)
}
