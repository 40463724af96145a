package distribution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/ledger"
	"github.com/keyportal/keyportal/internal/middleware"
)

// Handler exposes key movement and history endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type entryResponse struct {
	ID          string    `json:"id"`
	FromUser    string    `json:"fromUser,omitempty"`
	FromName    string    `json:"fromName,omitempty"`
	ToUser      string    `json:"toUser,omitempty"`
	ToName      string    `json:"toName,omitempty"`
	Count       int64     `json:"count"`
	Status      string    `json:"status"`
	Type        string    `json:"type"`
	Date        time.Time `json:"date"`
	Notes       string    `json:"notes,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	BatchNumber string    `json:"batchNumber,omitempty"`
}

func toEntryResponse(e ledger.Entry) entryResponse {
	return entryResponse{
		ID:          e.ID,
		FromUser:    e.FromUser,
		FromName:    e.FromName,
		ToUser:      e.ToUser,
		ToName:      e.ToName,
		Count:       e.Count,
		Status:      string(e.Status),
		Type:        string(e.Type),
		Date:        e.Date,
		Notes:       e.Notes,
		Reference:   e.Reference,
		BatchNumber: e.BatchNumber,
	}
}

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type pageResponse struct {
	Items      []entryResponse `json:"items"`
	Pagination pagination      `json:"pagination"`
}

func toPageResponse(p ledger.Page) pageResponse {
	items := make([]entryResponse, 0, len(p.Entries))
	for _, e := range p.Entries {
		items = append(items, toEntryResponse(e))
	}
	return pageResponse{
		Items:      items,
		Pagination: pagination{Page: p.Page, Limit: p.Limit, Total: p.Total, TotalPages: p.TotalPages},
	}
}

type balanceResponse struct {
	AccountID     string `json:"accountId"`
	AssignedKeys  int64  `json:"assignedKeys"`
	UsedKeys      int64  `json:"usedKeys"`
	AvailableKeys int64  `json:"availableKeys"`
}

func toBalanceResponse(b ledger.Balance) balanceResponse {
	return balanceResponse{AccountID: b.AccountID, AssignedKeys: b.Assigned, UsedKeys: b.Used, AvailableKeys: b.Available()}
}

func actor(c *fiber.Ctx) (account.Account, error) {
	acc, ok := middleware.CurrentAccount(c)
	if !ok {
		return account.Account{}, fiber.NewError(http.StatusUnauthorized, "Access token required")
	}
	return acc, nil
}

// mapError converts service errors into HTTP errors.
func mapError(err error) error {
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		return fiber.NewError(http.StatusBadRequest, insufficient.Error())
	case errors.Is(err, ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(http.StatusForbidden, "Insufficient permissions")
	case errors.Is(err, ErrNotFoundOrUnauthorized):
		return fiber.NewError(http.StatusNotFound, "Not found or not owned by the current account")
	case errors.Is(err, ledger.ErrAlreadyInState):
		return fiber.NewError(http.StatusBadRequest, "Transfer is already in the requested state or further along")
	case errors.Is(err, ledger.ErrInvalidTransition):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}

type transferRequest struct {
	ToUserID string `json:"toUserId"`
	Count    int64  `json:"count"`
	Notes    string `json:"notes"`
}

// TransferKeys handles POST /keys/transfer.
func (h *Handler) TransferKeys(c *fiber.Ctx) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	entry, err := h.svc.TransferKeys(c.UserContext(), acc, TransferRequest{ToUserID: req.ToUserID, Count: req.Count, Notes: req.Notes})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"message": "Keys transferred successfully", "transfer": toEntryResponse(entry)})
}

// Balance handles GET /keys/balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	b, err := h.svc.Balance(c.UserContext(), acc)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(toBalanceResponse(b))
}

// Reconcile handles GET /keys/reconcile.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Reconcile(c.UserContext(), acc, c.Query("accountId"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{
		"accountId":      rec.AccountID,
		"storedAssigned": rec.StoredAssigned,
		"storedUsed":     rec.StoredUsed,
		"ledgerAssigned": rec.LedgerAssigned,
		"ledgerUsed":     rec.LedgerUsed,
		"consistent":     rec.Consistent(),
	})
}

type retailerTransferRequest struct {
	RetailerID     string `json:"retailerId"`
	KeysToTransfer int64  `json:"keysToTransfer"`
	Notes          string `json:"notes"`
}

// TransferToRetailer handles POST /db/transfer-keys-to-retailer.
func (h *Handler) TransferToRetailer(c *fiber.Ctx) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	var req retailerTransferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	entry, err := h.svc.TransferToRetailer(c.UserContext(), acc, RetailerTransferRequest{
		RetailerID:     req.RetailerID,
		KeysToTransfer: req.KeysToTransfer,
		Notes:          req.Notes,
	})
	if err != nil {
		return mapError(err)
	}
	out := fiber.Map{
		"message":  fmt.Sprintf("Successfully transferred %d keys", entry.Count),
		"transfer": toEntryResponse(entry),
	}
	// The keys already moved; a failed read only drops the balance field.
	if b, err := h.svc.Balance(c.UserContext(), acc); err == nil {
		out["balance"] = toBalanceResponse(b)
	}
	return c.JSON(out)
}

type receiveRequest struct {
	BatchNumber string `json:"batchNumber"`
	Quantity    int64  `json:"quantity"`
	SSReference string `json:"ssReference"`
	Notes       string `json:"notes"`
}

// ReceiveFromSS handles POST /db/receive-keys-from-ss.
func (h *Handler) ReceiveFromSS(c *fiber.Ctx) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	var req receiveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	entry, err := h.svc.ReceiveFromParent(c.UserContext(), acc, ReceiveRequest{
		BatchNumber: req.BatchNumber,
		Quantity:    req.Quantity,
		SSReference: req.SSReference,
		Notes:       req.Notes,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"message": "Keys received successfully",
		"batch":   toEntryResponse(entry),
	})
}

type issueRequest struct {
	BatchNumber string `json:"batchNumber"`
	Quantity    int64  `json:"quantity"`
	Reference   string `json:"reference"`
	Notes       string `json:"notes"`
}

// IssueKeys handles POST /keys/issue.
func (h *Handler) IssueKeys(c *fiber.Ctx) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	var req issueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	entry, err := h.svc.IssueKeys(c.UserContext(), acc, ReceiveRequest{
		BatchNumber: req.BatchNumber,
		Quantity:    req.Quantity,
		SSReference: req.Reference,
		Notes:       req.Notes,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"message": fmt.Sprintf("Issued %d keys", entry.Count),
		"batch":   toEntryResponse(entry),
	})
}

// RecentKeyBatches handles GET /db/recent-key-batches.
func (h *Handler) RecentKeyBatches(c *fiber.Ctx) error {
	return h.list(c, false, h.svc.RecentKeyBatches)
}

// DistributionHistory handles GET /db/distribution-history.
func (h *Handler) DistributionHistory(c *fiber.Ctx) error {
	return h.list(c, false, h.svc.DistributionHistory)
}

// KeyTransferLogs handles GET /db/key-transfer-logs.
func (h *Handler) KeyTransferLogs(c *fiber.Ctx) error {
	return h.list(c, false, h.svc.KeyTransferLogs)
}

// MovementHistory handles GET /db/movement-history.
func (h *Handler) MovementHistory(c *fiber.Ctx) error {
	return h.list(c, true, h.svc.MovementHistory)
}

func (h *Handler) list(c *fiber.Ctx, withDirection bool, fn func(ctx context.Context, actor account.Account, q HistoryQuery) (ledger.Page, error)) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	q, err := parseHistoryQuery(c, withDirection)
	if err != nil {
		return err
	}
	page, err := fn(c.UserContext(), acc, q)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(toPageResponse(page))
}

// UpdateBatchStatus handles PUT /db/recent-key-batches/:id/:actionType.
func (h *Handler) UpdateBatchStatus(c *fiber.Ctx) error {
	return h.update(c, h.svc.ApplyBatchAction)
}

// UpdateDistributionStatus handles PUT /db/distribution-history/:id/:actionType.
func (h *Handler) UpdateDistributionStatus(c *fiber.Ctx) error {
	return h.update(c, h.svc.ApplyDistributionAction)
}

func (h *Handler) update(c *fiber.Ctx, fn func(ctx context.Context, actor account.Account, id, action string) (ledger.Entry, error)) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	entry, err := fn(c.UserContext(), acc, c.Params("id"), c.Params("actionType"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{
		"message":  fmt.Sprintf("Status updated to %s", entry.Status),
		"transfer": toEntryResponse(entry),
	})
}

type activateRequest struct {
	Count int64  `json:"count"`
	Notes string `json:"notes"`
}

// Activate handles POST /retailer/activate.
func (h *Handler) Activate(c *fiber.Ctx) error {
	acc, err := actor(c)
	if err != nil {
		return err
	}
	var req activateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	entry, err := h.svc.Activate(c.UserContext(), acc, ActivateRequest{Count: req.Count, Notes: req.Notes})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"message":    fmt.Sprintf("Activated %d keys", entry.Count),
		"activation": toEntryResponse(entry),
	})
}

const dateLayout = "2006-01-02"

// parseDate accepts YYYY-MM-DD or RFC3339. Date-only end bounds cover the
// whole day.
func parseDate(raw string, end bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}

func parseHistoryQuery(c *fiber.Ctx, withDirection bool) (HistoryQuery, error) {
	q := HistoryQuery{
		Page:   c.QueryInt("page", 1),
		Limit:  c.QueryInt("limit", 10),
		Search: strings.TrimSpace(c.Query("search")),
	}

	var err error
	if q.From, err = parseDate(c.Query("startDate"), false); err != nil {
		return HistoryQuery{}, fiber.NewError(http.StatusBadRequest, "startDate must be YYYY-MM-DD or RFC3339")
	}
	if q.To, err = parseDate(c.Query("endDate"), true); err != nil {
		return HistoryQuery{}, fiber.NewError(http.StatusBadRequest, "endDate must be YYYY-MM-DD or RFC3339")
	}

	for _, raw := range splitList(c.Query("status")) {
		s := ledger.Status(raw)
		if !s.IsValid() {
			return HistoryQuery{}, fiber.NewError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
		}
		q.Statuses = append(q.Statuses, s)
	}
	for _, raw := range splitList(c.Query("type")) {
		t := ledger.Type(raw)
		if !t.IsValid() {
			return HistoryQuery{}, fiber.NewError(http.StatusBadRequest, fmt.Sprintf("unknown type %q", raw))
		}
		q.Types = append(q.Types, t)
	}

	if withDirection {
		switch d := ledger.Direction(strings.ToLower(c.Query("direction"))); d {
		case ledger.DirectionAny, ledger.DirectionIn, ledger.DirectionOut:
			q.Direction = d
		default:
			return HistoryQuery{}, fiber.NewError(http.StatusBadRequest, "direction must be in or out")
		}
	}
	return q, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" && part != "all" {
			out = append(out, part)
		}
	}
	return out
}
