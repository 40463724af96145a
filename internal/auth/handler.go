package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/keyportal/keyportal/internal/account"
)

const refreshCookieName = "refreshToken"

// Handler exposes auth endpoints for login/refresh/logout.
type Handler struct {
	svc          *Service
	secureCookie bool
}

func NewHandler(svc *Service, secureCookie bool) *Handler {
	return &Handler{svc: svc, secureCookie: secureCookie}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	AccessToken string          `json:"accessToken"`
	ExpiresIn   int64           `json:"expiresIn"`
	User        account.Profile `json:"user"`
}

// Login validates credentials, sets the refresh cookie and returns an access token.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return fiber.NewError(http.StatusBadRequest, "email and password are required")
	}

	pair, acc, err := h.svc.Login(c.UserContext(), req.Email, req.Password)
	switch {
	case errors.Is(err, account.ErrInvalidCredentials):
		return fiber.NewError(http.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, account.ErrAccountDisabled):
		return fiber.NewError(http.StatusForbidden, "Account is not active")
	case err != nil:
		return err
	}

	h.setRefreshCookie(c, pair)
	return c.Status(http.StatusOK).JSON(sessionResponse{AccessToken: pair.AccessToken, ExpiresIn: pair.ExpiresIn, User: acc.Profile()})
}

// Refresh rotates the refresh cookie and returns a new access token.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	token := c.Cookies(refreshCookieName)
	if token == "" {
		return fiber.NewError(http.StatusUnauthorized, "No refresh token provided")
	}

	pair, acc, err := h.svc.Refresh(c.UserContext(), token)
	if err != nil {
		h.clearRefreshCookie(c)
		switch {
		case errors.Is(err, ErrTokenReused):
			return fiber.NewError(http.StatusForbidden, "Refresh token reuse detected, all sessions revoked")
		case errors.Is(err, ErrTokenMismatch):
			return fiber.NewError(http.StatusForbidden, "Refresh token does not match its owner")
		case errors.Is(err, ErrInvalidToken):
			return fiber.NewError(http.StatusForbidden, "Invalid refresh token")
		default:
			return err
		}
	}

	h.setRefreshCookie(c, pair)
	return c.Status(http.StatusOK).JSON(sessionResponse{AccessToken: pair.AccessToken, ExpiresIn: pair.ExpiresIn, User: acc.Profile()})
}

// Logout ends the current session and clears the cookie.
func (h *Handler) Logout(c *fiber.Ctx) error {
	err := h.svc.Logout(c.UserContext(), c.Cookies(refreshCookieName))
	h.clearRefreshCookie(c)
	if err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func (h *Handler) setRefreshCookie(c *fiber.Ctx, pair TokenPair) {
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/",
		Expires:  pair.RefreshExpiresAt,
		HTTPOnly: true,
		Secure:   h.secureCookie,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   h.secureCookie,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
}
