package dashboard

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/keyportal/keyportal/internal/middleware"
)

// Handler serves the /db/dashboard endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Summary(c *fiber.Ctx) error {
	acc, ok := middleware.CurrentAccount(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "Access token required")
	}
	out, err := h.svc.Summary(c.UserContext(), acc)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (h *Handler) KeyStats(c *fiber.Ctx) error {
	acc, ok := middleware.CurrentAccount(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "Access token required")
	}
	out, err := h.svc.KeyStats(c.UserContext(), acc)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (h *Handler) ActivationSummary(c *fiber.Ctx) error {
	acc, ok := middleware.CurrentAccount(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "Access token required")
	}
	out, err := h.svc.ActivationSummary(c.UserContext(), acc)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (h *Handler) RegionalDistribution(c *fiber.Ctx) error {
	acc, ok := middleware.CurrentAccount(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "Access token required")
	}
	out, err := h.svc.RegionalDistribution(c.UserContext(), acc)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"regions": out})
}

func (h *Handler) TopRetailers(c *fiber.Ctx) error {
	acc, ok := middleware.CurrentAccount(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "Access token required")
	}
	out, err := h.svc.TopRetailers(c.UserContext(), acc)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"retailers": out})
}
