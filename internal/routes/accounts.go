package routes

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/distribution"
	"github.com/keyportal/keyportal/internal/middleware"
)

// RegisterAccountRoutes wires the caller's profile and the management of
// direct child accounts.
func RegisterAccountRoutes(r fiber.Router, accounts *account.Service, movements *distribution.Service, logger *slog.Logger) {
	r.Get("/me", func(c *fiber.Ctx) error {
		acc, ok := middleware.CurrentAccount(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "Access token required")
		}
		b, err := movements.Balance(c.UserContext(), acc)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"user": acc.Profile(),
			"balance": fiber.Map{
				"assignedKeys":  b.Assigned,
				"usedKeys":      b.Used,
				"availableKeys": b.Available(),
			},
		})
	})

	children := r.Group("/accounts/children")

	children.Get("/", func(c *fiber.Ctx) error {
		acc, ok := middleware.CurrentAccount(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "Access token required")
		}
		list, err := accounts.Children(c.UserContext(), acc.ID)
		if err != nil {
			return err
		}
		out := make([]account.Profile, 0, len(list))
		for _, child := range list {
			out = append(out, child.Profile())
		}
		return c.JSON(fiber.Map{"accounts": out})
	})

	children.Post("/", func(c *fiber.Ctx) error {
		acc, ok := middleware.CurrentAccount(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "Access token required")
		}
		var req struct {
			Name     string `json:"name"`
			Email    string `json:"email"`
			Password string `json:"password"`
			Phone    string `json:"phone"`
			Address  string `json:"address"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
		child, err := accounts.CreateChild(c.UserContext(), acc, account.ChildInput{
			Name:     req.Name,
			Email:    req.Email,
			Password: req.Password,
			Phone:    req.Phone,
			Address:  req.Address,
		})
		if err != nil {
			return accountError(err)
		}
		logger.Info("account created",
			slog.String("account_id", child.ID),
			slog.String("role", string(child.Role)),
			slog.String("created_by", acc.ID),
		)
		return c.Status(http.StatusCreated).JSON(fiber.Map{"account": child.Profile()})
	})

	children.Patch("/:id/status", func(c *fiber.Ctx) error {
		acc, ok := middleware.CurrentAccount(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "Access token required")
		}
		var req struct {
			Status string `json:"status"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
		child, err := accounts.SetChildStatus(c.UserContext(), acc, c.Params("id"), account.Status(req.Status))
		if err != nil {
			return accountError(err)
		}
		return c.JSON(fiber.Map{"account": child.Profile()})
	})
}

func accountError(err error) error {
	switch {
	case errors.Is(err, account.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrEmailTaken):
		return fiber.NewError(http.StatusConflict, "Email already registered")
	case errors.Is(err, account.ErrNoChildTier):
		return fiber.NewError(http.StatusForbidden, "This account cannot create child accounts")
	case errors.Is(err, account.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "Account not found")
	default:
		return err
	}
}
