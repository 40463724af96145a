package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientBalance occurs when the sender lacks available keys to
	// cover a requested movement. Returned wrapped in *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidCount rejects zero or negative key counts.
	ErrInvalidCount = errors.New("count must be a positive integer")
	// ErrSameAccount rejects transfers where sender and receiver coincide.
	ErrSameAccount = errors.New("sender and receiver must differ")
	// ErrAccountNotFound is returned when a balance row does not exist.
	ErrAccountNotFound = errors.New("ledger account not found")
	// ErrEntryNotFound is returned for unknown ledger rows.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

// InsufficientBalanceError reports the requested and available amounts of a
// rejected debit.
type InsufficientBalanceError struct {
	Holder    string
	Requested int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	holder := e.Holder
	if holder == "" {
		holder = "Account"
	}
	return fmt.Sprintf("Cannot transfer %d keys. %s only has %d available keys.", e.Requested, holder, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientBalance) match.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Type classifies a ledger row.
type Type string

const (
	TypeReceive    Type = "receive"
	TypeDistribute Type = "distribute"
	TypeTransfer   Type = "transfer"
	TypeActivate   Type = "activate"
)

// IsValid reports whether t is a known row type.
func (t Type) IsValid() bool {
	switch t {
	case TypeReceive, TypeDistribute, TypeTransfer, TypeActivate:
		return true
	default:
		return false
	}
}

// Status is the delivery state of a ledger row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusConfirmed Status = "confirmed"
	StatusReceived  Status = "received"
	StatusVerified  Status = "verified"
	StatusCompleted Status = "completed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusConfirmed, StatusReceived, StatusVerified, StatusCompleted:
		return true
	default:
		return false
	}
}

// Entry is one KeyTransferLog row. FromName and ToName are resolved on read.
type Entry struct {
	ID          string
	FromUser    string
	ToUser      string
	FromName    string
	ToName      string
	Count       int64
	Status      Status
	Type        Type
	Date        time.Time
	Notes       string
	Reference   string
	BatchNumber string
}

// Balance holds the stored counters of one account.
type Balance struct {
	AccountID string
	Assigned  int64
	Used      int64
}

// Available is the number of keys the account can still forward.
func (b Balance) Available() int64 { return b.Assigned - b.Used }

// TransferInput describes a debit of FromID and a credit of ToID.
type TransferInput struct {
	FromID    string
	ToID      string
	FromName  string
	ToName    string
	Count     int64
	Type      Type
	Status    Status
	Notes     string
	Reference string
}

// ReceiveInput describes keys credited to AccountID from the issuing tier.
// SourceID is recorded on the row but is not debited.
type ReceiveInput struct {
	AccountID   string
	AccountName string
	SourceID    string
	SourceName  string
	Count       int64
	BatchNumber string
	Reference   string
	Notes       string
}

// ConsumeInput describes keys activated (used up) by AccountID.
type ConsumeInput struct {
	AccountID   string
	AccountName string
	Count       int64
	Notes       string
	Reference   string
}

// Direction restricts a query to rows entering or leaving an account.
type Direction string

const (
	DirectionAny Direction = ""
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Filter selects and paginates ledger rows.
type Filter struct {
	AccountID string
	Direction Direction
	Types     []Type
	Statuses  []Status
	From      time.Time
	To        time.Time
	Search    string
	Page      int
	Limit     int
}

func (f Filter) pagination() (page, limit int) {
	page, limit = f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

// Page is one page of List results.
type Page struct {
	Entries    []Entry
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

func newPage(entries []Entry, total, page, limit int) Page {
	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Page{Entries: entries, Total: total, Page: page, Limit: limit, TotalPages: pages}
}

// SumQuery selects rows whose counts are summed. Direction must be In or Out.
type SumQuery struct {
	AccountID string
	Direction Direction
	Types     []Type
	From      time.Time
	To        time.Time
}

// TopQuery groups rows of Type by sender.
type TopQuery struct {
	Type      Type
	SenderIDs []string
	From      time.Time
	To        time.Time
	Limit     int
}

// SenderTotal is one row of a TopSenders result.
type SenderTotal struct {
	AccountID string
	Name      string
	Total     int64
}

// Reconciliation compares stored counters with sums derived from the rows.
type Reconciliation struct {
	AccountID      string
	StoredAssigned int64
	StoredUsed     int64
	LedgerAssigned int64
	LedgerUsed     int64
}

// Consistent reports whether the stored counters match the ledger.
func (r Reconciliation) Consistent() bool {
	return r.StoredAssigned == r.LedgerAssigned && r.StoredUsed == r.LedgerUsed
}

// Ledger defines the contract implemented by ledger backends. Every mutating
// call updates counters and appends the row atomically.
type Ledger interface {
	Balance(ctx context.Context, accountID string) (Balance, error)
	Transfer(ctx context.Context, in TransferInput) (Entry, error)
	Receive(ctx context.Context, in ReceiveInput) (Entry, error)
	Consume(ctx context.Context, in ConsumeInput) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Advance(ctx context.Context, id string, target Status) (Entry, error)
	List(ctx context.Context, f Filter) (Page, error)
	Sum(ctx context.Context, q SumQuery) (int64, error)
	TopSenders(ctx context.Context, q TopQuery) ([]SenderTotal, error)
	Reconcile(ctx context.Context, accountID string) (Reconciliation, error)
}

func validateTransfer(in TransferInput) error {
	if in.Count <= 0 {
		return ErrInvalidCount
	}
	if in.FromID == "" || in.ToID == "" {
		return ErrAccountNotFound
	}
	if in.FromID == in.ToID {
		return ErrSameAccount
	}
	if !in.Type.IsValid() || !in.Status.IsValid() {
		return fmt.Errorf("invalid row type %q or status %q", in.Type, in.Status)
	}
	return nil
}

func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
