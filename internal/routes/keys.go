package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/dashboard"
	"github.com/keyportal/keyportal/internal/distribution"
	"github.com/keyportal/keyportal/internal/middleware"
)

// RegisterKeyRoutes wires the tier-agnostic key endpoints under /keys.
// Issuance is the admin's only source of keys.
func RegisterKeyRoutes(r fiber.Router, h *distribution.Handler) {
	r.Post("/issue", middleware.RequireRole(account.RoleAdmin), h.IssueKeys)
	r.Post("/transfer", h.TransferKeys)
	r.Get("/balance", h.Balance)
	r.Get("/reconcile", h.Reconcile)
}

// RegisterDistributorRoutes wires the distributor controller and dashboards
// under /db.
func RegisterDistributorRoutes(r fiber.Router, h *distribution.Handler, dash *dashboard.Handler) {
	d := r.Group("/dashboard")
	d.Get("/summary", dash.Summary)
	d.Get("/key-stats", dash.KeyStats)
	d.Get("/activation-summary", dash.ActivationSummary)
	d.Get("/regional-distribution", dash.RegionalDistribution)
	d.Get("/top-retailers", dash.TopRetailers)

	r.Post("/transfer-keys-to-retailer", h.TransferToRetailer)
	r.Post("/receive-keys-from-ss", h.ReceiveFromSS)
	r.Get("/recent-key-batches", h.RecentKeyBatches)
	r.Put("/recent-key-batches/:id/:actionType", h.UpdateBatchStatus)
	r.Get("/distribution-history", h.DistributionHistory)
	r.Put("/distribution-history/:id/:actionType", h.UpdateDistributionStatus)
	r.Get("/key-transfer-logs", h.KeyTransferLogs)
	r.Get("/movement-history", h.MovementHistory)
}

// RegisterRetailerRoutes wires the retailer endpoints under /retailer.
func RegisterRetailerRoutes(r fiber.Router, h *distribution.Handler) {
	r.Post("/activate", h.Activate)
}
