package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/keyportal/keyportal/internal/account"
	"github.com/keyportal/keyportal/internal/ledger"
	"github.com/keyportal/keyportal/internal/notification"
)

var (
	// ErrNotFoundOrUnauthorized hides whether a referenced account or row
	// is missing or simply not owned by the caller.
	ErrNotFoundOrUnauthorized = errors.New("not found or unauthorized")
	// ErrValidation wraps malformed requests.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden rejects operations reserved for another tier.
	ErrForbidden = errors.New("insufficient permissions")
)

// Service moves keys along the hierarchy on behalf of an authenticated actor.
type Service struct {
	accounts *account.Service
	ledger   ledger.Ledger
	notifier notification.Notifier
	metrics  *Metrics
	logger   *slog.Logger
}

func NewService(accounts *account.Service, l ledger.Ledger, notifier notification.Notifier, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{accounts: accounts, ledger: l, notifier: notifier, metrics: metrics, logger: logger}
}

type TransferRequest struct {
	ToUserID string
	Count    int64
	Notes    string
}

type RetailerTransferRequest struct {
	RetailerID     string
	KeysToTransfer int64
	Notes          string
}

// ReceiveRequest describes a credited batch. SSReference carries the
// issuer's reference, whichever tier issued it.
type ReceiveRequest struct {
	BatchNumber string
	Quantity    int64
	SSReference string
	Notes       string
}

type ActivateRequest struct {
	Count int64
	Notes string
}

// HistoryQuery narrows a history listing. Zero values mean "no filter".
type HistoryQuery struct {
	Page      int
	Limit     int
	From      time.Time
	To        time.Time
	Statuses  []ledger.Status
	Types     []ledger.Type
	Direction ledger.Direction
	Search    string
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// Balance returns the stored counters of actor.
func (s *Service) Balance(ctx context.Context, actor account.Account) (ledger.Balance, error) {
	return s.ledger.Balance(ctx, actor.ID)
}

// Reconcile compares stored counters against the ledger for actor or one of
// its direct children.
func (s *Service) Reconcile(ctx context.Context, actor account.Account, accountID string) (ledger.Reconciliation, error) {
	target := actor.ID
	if accountID != "" && accountID != actor.ID {
		child, err := s.accounts.ChildOf(ctx, actor, accountID)
		if err != nil {
			return ledger.Reconciliation{}, s.ownership(err)
		}
		target = child.ID
	}
	rec, err := s.ledger.Reconcile(ctx, target)
	if err != nil {
		return ledger.Reconciliation{}, err
	}
	if !rec.Consistent() {
		s.logger.WarnContext(ctx, "key counters drifted from ledger",
			slog.String("account_id", target),
			slog.Int64("stored_assigned", rec.StoredAssigned),
			slog.Int64("ledger_assigned", rec.LedgerAssigned),
			slog.Int64("stored_used", rec.StoredUsed),
			slog.Int64("ledger_used", rec.LedgerUsed),
		)
	}
	return rec, nil
}

// TransferKeys sends keys to a direct child (distribute, pending) or back to
// the actor's parent (transfer, completed).
func (s *Service) TransferKeys(ctx context.Context, actor account.Account, req TransferRequest) (ledger.Entry, error) {
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.ToUserID, validation.Required),
		validation.Field(&req.Count, validation.Required, validation.Min(1)),
	); err != nil {
		return ledger.Entry{}, invalid(err)
	}

	receiver, err := s.accounts.Get(ctx, req.ToUserID)
	if err != nil {
		return ledger.Entry{}, s.ownership(err)
	}

	in := ledger.TransferInput{
		FromID:   actor.ID,
		ToID:     receiver.ID,
		FromName: actor.Name,
		ToName:   receiver.Name,
		Count:    req.Count,
		Notes:    strings.TrimSpace(req.Notes),
	}
	kind := notification.KindKeysDistributed
	switch {
	case receiver.CreatedBy == actor.ID:
		in.Type, in.Status = ledger.TypeDistribute, ledger.StatusPending
	case actor.CreatedBy != "" && actor.CreatedBy == receiver.ID:
		in.Type, in.Status = ledger.TypeTransfer, ledger.StatusCompleted
		kind = notification.KindKeysTransferred
	default:
		return ledger.Entry{}, ErrNotFoundOrUnauthorized
	}
	if !receiver.IsActive() {
		return ledger.Entry{}, invalid(errors.New("receiving account is not active"))
	}
	return s.transfer(ctx, actor, in, kind)
}

// TransferToRetailer moves keys from a distributor to one of its retailers.
func (s *Service) TransferToRetailer(ctx context.Context, actor account.Account, req RetailerTransferRequest) (ledger.Entry, error) {
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.RetailerID, validation.Required),
		validation.Field(&req.KeysToTransfer, validation.Required, validation.Min(1)),
	); err != nil {
		return ledger.Entry{}, invalid(err)
	}

	retailer, err := s.accounts.ChildOf(ctx, actor, req.RetailerID)
	if err != nil {
		return ledger.Entry{}, s.ownership(err)
	}
	if retailer.Role != account.RoleRetailer {
		return ledger.Entry{}, ErrNotFoundOrUnauthorized
	}
	if !retailer.IsActive() {
		return ledger.Entry{}, invalid(errors.New("retailer is not active"))
	}

	return s.transfer(ctx, actor, ledger.TransferInput{
		FromID:   actor.ID,
		ToID:     retailer.ID,
		FromName: actor.Name,
		ToName:   retailer.Name,
		Count:    req.KeysToTransfer,
		Type:     ledger.TypeDistribute,
		Status:   ledger.StatusPending,
		Notes:    strings.TrimSpace(req.Notes),
	}, notification.KindKeysDistributed)
}

func (s *Service) transfer(ctx context.Context, actor account.Account, in ledger.TransferInput, kind string) (ledger.Entry, error) {
	entry, err := s.ledger.Transfer(ctx, in)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			insufficient.Holder = actor.Role.Label()
			s.metrics.rejected("insufficient_balance")
			return ledger.Entry{}, insufficient
		}
		return ledger.Entry{}, s.ledgerError(err)
	}
	s.metrics.moved(entry)
	s.notify(ctx, notification.Message{
		Kind:      kind,
		Recipient: entry.ToUser,
		EntryID:   entry.ID,
		Count:     entry.Count,
		Body:      fmt.Sprintf("%s sent you %d keys", actor.Name, entry.Count),
	})
	return entry, nil
}

// ReceiveFromParent credits actor with a batch issued by its parent.
func (s *Service) ReceiveFromParent(ctx context.Context, actor account.Account, req ReceiveRequest) (ledger.Entry, error) {
	var sourceName string
	if actor.CreatedBy != "" {
		if parent, err := s.accounts.Get(ctx, actor.CreatedBy); err == nil {
			sourceName = parent.Name
		}
	}
	return s.credit(ctx, actor, actor.CreatedBy, sourceName, req)
}

// IssueKeys mints a batch on the admin account. Issued rows have no sender,
// so they are the only credits that do not debit another account.
func (s *Service) IssueKeys(ctx context.Context, actor account.Account, req ReceiveRequest) (ledger.Entry, error) {
	if actor.Role != account.RoleAdmin {
		return ledger.Entry{}, ErrForbidden
	}
	return s.credit(ctx, actor, "", "", req)
}

func (s *Service) credit(ctx context.Context, actor account.Account, sourceID, sourceName string, req ReceiveRequest) (ledger.Entry, error) {
	req.BatchNumber = strings.TrimSpace(req.BatchNumber)
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.BatchNumber, validation.Required, validation.Length(1, 100)),
		validation.Field(&req.Quantity, validation.Required, validation.Min(1)),
		validation.Field(&req.SSReference, validation.Length(0, 100)),
	); err != nil {
		return ledger.Entry{}, invalid(err)
	}

	entry, err := s.ledger.Receive(ctx, ledger.ReceiveInput{
		AccountID:   actor.ID,
		AccountName: actor.Name,
		SourceID:    sourceID,
		SourceName:  sourceName,
		Count:       req.Quantity,
		BatchNumber: req.BatchNumber,
		Reference:   strings.TrimSpace(req.SSReference),
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return ledger.Entry{}, s.ledgerError(err)
	}
	s.metrics.moved(entry)
	s.notify(ctx, notification.Message{
		Kind:      notification.KindKeysReceived,
		Recipient: actor.ID,
		EntryID:   entry.ID,
		Count:     entry.Count,
		Body:      fmt.Sprintf("batch %s of %d keys received", entry.BatchNumber, entry.Count),
	})
	return entry, nil
}

// ApplyBatchAction advances a receive row addressed to actor.
func (s *Service) ApplyBatchAction(ctx context.Context, actor account.Account, entryID, action string) (ledger.Entry, error) {
	return s.advance(ctx, entryID, action, ledger.TypeReceive, func(e ledger.Entry) bool {
		return e.ToUser == actor.ID
	})
}

// ApplyDistributionAction advances a distribute row sent by actor.
func (s *Service) ApplyDistributionAction(ctx context.Context, actor account.Account, entryID, action string) (ledger.Entry, error) {
	return s.advance(ctx, entryID, action, ledger.TypeDistribute, func(e ledger.Entry) bool {
		return e.FromUser == actor.ID
	})
}

func (s *Service) advance(ctx context.Context, entryID, action string, typ ledger.Type, owns func(ledger.Entry) bool) (ledger.Entry, error) {
	entry, err := s.ledger.Get(ctx, entryID)
	if err != nil {
		return ledger.Entry{}, s.ledgerError(err)
	}
	if entry.Type != typ || !owns(entry) {
		return ledger.Entry{}, ErrNotFoundOrUnauthorized
	}
	target, err := ledger.ActionTarget(typ, action)
	if err != nil {
		return ledger.Entry{}, invalid(err)
	}
	updated, err := s.ledger.Advance(ctx, entryID, target)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyInState) || errors.Is(err, ledger.ErrInvalidTransition) {
			s.metrics.rejected("transition")
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, s.ledgerError(err)
	}
	recipient := updated.FromUser
	if typ == ledger.TypeDistribute {
		recipient = updated.ToUser
	}
	s.notify(ctx, notification.Message{
		Kind:      notification.KindStatusChanged,
		Recipient: recipient,
		EntryID:   updated.ID,
		Count:     updated.Count,
		Body:      fmt.Sprintf("transfer marked %s", updated.Status),
	})
	return updated, nil
}

// Activate consumes keys of a retailer.
func (s *Service) Activate(ctx context.Context, actor account.Account, req ActivateRequest) (ledger.Entry, error) {
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.Count, validation.Required, validation.Min(1)),
	); err != nil {
		return ledger.Entry{}, invalid(err)
	}
	entry, err := s.ledger.Consume(ctx, ledger.ConsumeInput{
		AccountID:   actor.ID,
		AccountName: actor.Name,
		Count:       req.Count,
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			insufficient.Holder = actor.Role.Label()
			s.metrics.rejected("insufficient_balance")
			return ledger.Entry{}, insufficient
		}
		return ledger.Entry{}, s.ledgerError(err)
	}
	s.metrics.moved(entry)
	s.notify(ctx, notification.Message{
		Kind:      notification.KindKeysActivated,
		Recipient: actor.CreatedBy,
		EntryID:   entry.ID,
		Count:     entry.Count,
		Body:      fmt.Sprintf("%s activated %d keys", actor.Name, entry.Count),
	})
	return entry, nil
}

// KeyTransferLogs lists every row touching actor.
func (s *Service) KeyTransferLogs(ctx context.Context, actor account.Account, q HistoryQuery) (ledger.Page, error) {
	f := q.filter(actor.ID)
	f.Direction = ledger.DirectionAny
	return s.ledger.List(ctx, f)
}

// MovementHistory lists rows touching actor, optionally by direction.
func (s *Service) MovementHistory(ctx context.Context, actor account.Account, q HistoryQuery) (ledger.Page, error) {
	return s.ledger.List(ctx, q.filter(actor.ID))
}

// DistributionHistory lists distribute rows sent by actor.
func (s *Service) DistributionHistory(ctx context.Context, actor account.Account, q HistoryQuery) (ledger.Page, error) {
	f := q.filter(actor.ID)
	f.Direction = ledger.DirectionOut
	f.Types = []ledger.Type{ledger.TypeDistribute}
	return s.ledger.List(ctx, f)
}

// RecentKeyBatches lists receive rows addressed to actor.
func (s *Service) RecentKeyBatches(ctx context.Context, actor account.Account, q HistoryQuery) (ledger.Page, error) {
	f := q.filter(actor.ID)
	f.Direction = ledger.DirectionIn
	f.Types = []ledger.Type{ledger.TypeReceive}
	return s.ledger.List(ctx, f)
}

func (q HistoryQuery) filter(accountID string) ledger.Filter {
	return ledger.Filter{
		AccountID: accountID,
		Direction: q.Direction,
		Types:     q.Types,
		Statuses:  q.Statuses,
		From:      q.From,
		To:        q.To,
		Search:    q.Search,
		Page:      q.Page,
		Limit:     q.Limit,
	}
}

func (s *Service) ownership(err error) error {
	if errors.Is(err, account.ErrNotFound) {
		return ErrNotFoundOrUnauthorized
	}
	return err
}

func (s *Service) ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrEntryNotFound):
		return ErrNotFoundOrUnauthorized
	case errors.Is(err, ledger.ErrInvalidCount), errors.Is(err, ledger.ErrSameAccount):
		return invalid(err)
	default:
		return err
	}
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil || msg.Recipient == "" {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "notification failed", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}
