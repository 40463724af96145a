package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryLedger struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	names    map[string]string
	entries  []Entry
	index    map[string]int
	now      func() time.Time
}

// Option customises an in-memory ledger.
type Option func(*inMemoryLedger)

// WithClock injects the time source used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(l *inMemoryLedger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit
// tests and development runs without Postgres.
func NewInMemory(opts ...Option) Ledger {
	l := &inMemoryLedger{
		balances: make(map[string]*Balance),
		names:    make(map[string]string),
		index:    make(map[string]int),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *inMemoryLedger) account(id string) *Balance {
	b, ok := l.balances[id]
	if !ok {
		b = &Balance{AccountID: id}
		l.balances[id] = b
	}
	return b
}

func (l *inMemoryLedger) remember(id, name string) {
	if id != "" && name != "" {
		l.names[id] = name
	}
}

func (l *inMemoryLedger) append(e Entry) Entry {
	e.ID = uuid.NewString()
	e.Date = l.now().UTC()
	l.index[e.ID] = len(l.entries)
	l.entries = append(l.entries, e)
	return l.withNames(e)
}

func (l *inMemoryLedger) withNames(e Entry) Entry {
	e.FromName = l.names[e.FromUser]
	e.ToName = l.names[e.ToUser]
	return e
}

func (l *inMemoryLedger) Balance(_ context.Context, accountID string) (Balance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.balances[accountID]
	if !ok {
		return Balance{AccountID: accountID}, nil
	}
	return *b, nil
}

func (l *inMemoryLedger) Transfer(_ context.Context, in TransferInput) (Entry, error) {
	if err := validateTransfer(in); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.account(in.FromID)
	if from.Available() < in.Count {
		return Entry{}, &InsufficientBalanceError{Requested: in.Count, Available: from.Available()}
	}
	to := l.account(in.ToID)

	from.Used += in.Count
	to.Assigned += in.Count
	l.remember(in.FromID, in.FromName)
	l.remember(in.ToID, in.ToName)

	return l.append(Entry{
		FromUser:  in.FromID,
		ToUser:    in.ToID,
		Count:     in.Count,
		Status:    in.Status,
		Type:      in.Type,
		Notes:     in.Notes,
		Reference: in.Reference,
	}), nil
}

func (l *inMemoryLedger) Receive(_ context.Context, in ReceiveInput) (Entry, error) {
	if in.Count <= 0 {
		return Entry{}, ErrInvalidCount
	}
	if in.AccountID == "" {
		return Entry{}, ErrAccountNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.account(in.AccountID).Assigned += in.Count
	l.remember(in.AccountID, in.AccountName)
	l.remember(in.SourceID, in.SourceName)

	return l.append(Entry{
		FromUser:    in.SourceID,
		ToUser:      in.AccountID,
		Count:       in.Count,
		Status:      StatusReceived,
		Type:        TypeReceive,
		Notes:       in.Notes,
		Reference:   in.Reference,
		BatchNumber: in.BatchNumber,
	}), nil
}

func (l *inMemoryLedger) Consume(_ context.Context, in ConsumeInput) (Entry, error) {
	if in.Count <= 0 {
		return Entry{}, ErrInvalidCount
	}
	if in.AccountID == "" {
		return Entry{}, ErrAccountNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(in.AccountID)
	if acc.Available() < in.Count {
		return Entry{}, &InsufficientBalanceError{Requested: in.Count, Available: acc.Available()}
	}
	acc.Used += in.Count
	l.remember(in.AccountID, in.AccountName)

	return l.append(Entry{
		FromUser:  in.AccountID,
		Count:     in.Count,
		Status:    StatusCompleted,
		Type:      TypeActivate,
		Notes:     in.Notes,
		Reference: in.Reference,
	}), nil
}

func (l *inMemoryLedger) Get(_ context.Context, id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return l.withNames(l.entries[i]), nil
}

func (l *inMemoryLedger) Advance(_ context.Context, id string, target Status) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	e := l.entries[i]
	if err := CheckTransition(e.Type, e.Status, target); err != nil {
		return l.withNames(e), err
	}
	e.Status = target
	l.entries[i] = e
	return l.withNames(e), nil
}

func (l *inMemoryLedger) List(_ context.Context, f Filter) (Page, error) {
	page, limit := f.pagination()

	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.withNames(l.entries[i])
		if l.matches(e, f) {
			matched = append(matched, e)
		}
	}

	total := len(matched)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return newPage(matched[start:end], total, page, limit), nil
}

func (l *inMemoryLedger) matches(e Entry, f Filter) bool {
	if f.AccountID != "" {
		switch f.Direction {
		case DirectionIn:
			if e.ToUser != f.AccountID {
				return false
			}
		case DirectionOut:
			if e.FromUser != f.AccountID {
				return false
			}
		default:
			if e.ToUser != f.AccountID && e.FromUser != f.AccountID {
				return false
			}
		}
	}
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if !inWindow(e.Date, f.From, f.To) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		haystack := strings.ToLower(strings.Join([]string{e.Notes, e.Reference, e.BatchNumber, e.FromName, e.ToName}, "\x00"))
		if !strings.Contains(haystack, q) {
			return false
		}
	}
	return true
}

func (l *inMemoryLedger) Sum(_ context.Context, q SumQuery) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, e := range l.entries {
		switch q.Direction {
		case DirectionIn:
			if e.ToUser != q.AccountID {
				continue
			}
		case DirectionOut:
			if e.FromUser != q.AccountID {
				continue
			}
		default:
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, e.Type) {
			continue
		}
		if !inWindow(e.Date, q.From, q.To) {
			continue
		}
		total += e.Count
	}
	return total, nil
}

func (l *inMemoryLedger) TopSenders(_ context.Context, q TopQuery) ([]SenderTotal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	allowed := make(map[string]struct{}, len(q.SenderIDs))
	for _, id := range q.SenderIDs {
		allowed[id] = struct{}{}
	}

	totals := make(map[string]int64)
	for _, e := range l.entries {
		if e.Type != q.Type || e.FromUser == "" || !inWindow(e.Date, q.From, q.To) {
			continue
		}
		if q.SenderIDs != nil {
			if _, ok := allowed[e.FromUser]; !ok {
				continue
			}
		}
		totals[e.FromUser] += e.Count
	}

	out := make([]SenderTotal, 0, len(totals))
	for id, total := range totals {
		out = append(out, SenderTotal{AccountID: id, Name: l.names[id], Total: total})
	}
	sortSenders(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (l *inMemoryLedger) Reconcile(_ context.Context, accountID string) (Reconciliation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec := Reconciliation{AccountID: accountID}
	if b, ok := l.balances[accountID]; ok {
		rec.StoredAssigned, rec.StoredUsed = b.Assigned, b.Used
	}
	for _, e := range l.entries {
		if e.ToUser == accountID {
			rec.LedgerAssigned += e.Count
		}
		if e.FromUser == accountID && e.Type != TypeReceive {
			rec.LedgerUsed += e.Count
		}
	}
	return rec, nil
}

func sortSenders(out []SenderTotal) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].AccountID < out[j].AccountID
	})
}

func containsType(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []Status, s Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
