package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var _ Ledger = (*PostgresLedger)(nil)

// DB is the part of *pgxpool.Pool the ledger uses.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger keeps key counters on the accounts table and appends rows to
// key_transfer_logs in the same transaction.
type PostgresLedger struct {
	db  DB
	now func() time.Time
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

const entryColumns = `
        l.id::text,
        COALESCE(l.from_user::text, ''),
        COALESCE(l.to_user::text, ''),
        COALESCE(f.name, ''),
        COALESCE(t.name, ''),
        l.count, l.status, l.type, l.date, l.notes, l.reference, l.batch_number
    FROM key_transfer_logs l
    LEFT JOIN accounts f ON f.id = l.from_user
    LEFT JOIN accounts t ON t.id = l.to_user`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var status, typ string
	if err := row.Scan(&e.ID, &e.FromUser, &e.ToUser, &e.FromName, &e.ToName,
		&e.Count, &status, &typ, &e.Date, &e.Notes, &e.Reference, &e.BatchNumber); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	e.Status, e.Type = Status(status), Type(typ)
	e.Date = e.Date.UTC()
	return e, nil
}

// Balance returns the stored counters for accountID.
func (l *PostgresLedger) Balance(ctx context.Context, accountID string) (Balance, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return Balance{}, ErrAccountNotFound
	}
	b := Balance{AccountID: accountID}
	err := l.db.QueryRow(ctx, `SELECT assigned_keys, used_keys FROM accounts WHERE id = $1`, accountID).
		Scan(&b.Assigned, &b.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrAccountNotFound
	}
	return b, err
}

// lockBalances locks the account rows in id order so concurrent transfers in
// opposite directions cannot deadlock.
func lockBalances(ctx context.Context, tx pgx.Tx, ids ...string) (map[string]Balance, error) {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return nil, ErrAccountNotFound
		}
	}
	rows, err := tx.Query(ctx, `SELECT id::text, assigned_keys, used_keys FROM accounts
        WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Balance, len(ids))
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.AccountID, &b.Assigned, &b.Used); err != nil {
			return nil, err
		}
		out[b.AccountID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
	}
	return out, nil
}

// insert appends e and returns it with its id and date set.
func (l *PostgresLedger) insert(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	e.ID = uuid.NewString()
	e.Date = l.now().UTC()
	_, err := tx.Exec(ctx, `INSERT INTO key_transfer_logs
        (id, from_user, to_user, count, status, type, date, notes, reference, batch_number)
        VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.FromUser, e.ToUser, e.Count, string(e.Status), string(e.Type), e.Date,
		e.Notes, e.Reference, e.BatchNumber)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// commit returns e once tx is durable. Nothing is read back afterwards, so a
// committed movement is never reported as failed.
func commit(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Transfer debits FromID and credits ToID atomically.
func (l *PostgresLedger) Transfer(ctx context.Context, in TransferInput) (Entry, error) {
	if err := validateTransfer(in); err != nil {
		return Entry{}, err
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	balances, err := lockBalances(ctx, tx, in.FromID, in.ToID)
	if err != nil {
		return Entry{}, err
	}
	if avail := balances[in.FromID].Available(); avail < in.Count {
		return Entry{}, &InsufficientBalanceError{Requested: in.Count, Available: avail}
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET used_keys = used_keys + $2 WHERE id = $1`, in.FromID, in.Count); err != nil {
		return Entry{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET assigned_keys = assigned_keys + $2 WHERE id = $1`, in.ToID, in.Count); err != nil {
		return Entry{}, err
	}

	e, err := l.insert(ctx, tx, Entry{
		FromUser: in.FromID, ToUser: in.ToID, FromName: in.FromName, ToName: in.ToName,
		Count: in.Count, Status: in.Status, Type: in.Type, Notes: in.Notes, Reference: in.Reference,
	})
	if err != nil {
		return Entry{}, err
	}
	return commit(ctx, tx, e)
}

// Receive credits AccountID with keys issued by SourceID.
func (l *PostgresLedger) Receive(ctx context.Context, in ReceiveInput) (Entry, error) {
	if in.Count <= 0 {
		return Entry{}, ErrInvalidCount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := lockBalances(ctx, tx, in.AccountID); err != nil {
		return Entry{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET assigned_keys = assigned_keys + $2 WHERE id = $1`, in.AccountID, in.Count); err != nil {
		return Entry{}, err
	}

	e, err := l.insert(ctx, tx, Entry{
		FromUser: in.SourceID, ToUser: in.AccountID, FromName: in.SourceName, ToName: in.AccountName,
		Count: in.Count, Status: StatusReceived, Type: TypeReceive,
		Notes: in.Notes, Reference: in.Reference, BatchNumber: in.BatchNumber,
	})
	if err != nil {
		return Entry{}, err
	}
	return commit(ctx, tx, e)
}

// Consume marks keys of AccountID as used without crediting anyone.
func (l *PostgresLedger) Consume(ctx context.Context, in ConsumeInput) (Entry, error) {
	if in.Count <= 0 {
		return Entry{}, ErrInvalidCount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	balances, err := lockBalances(ctx, tx, in.AccountID)
	if err != nil {
		return Entry{}, err
	}
	if avail := balances[in.AccountID].Available(); avail < in.Count {
		return Entry{}, &InsufficientBalanceError{Requested: in.Count, Available: avail}
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET used_keys = used_keys + $2 WHERE id = $1`, in.AccountID, in.Count); err != nil {
		return Entry{}, err
	}

	e, err := l.insert(ctx, tx, Entry{
		FromUser: in.AccountID, FromName: in.AccountName, Count: in.Count,
		Status: StatusCompleted, Type: TypeActivate, Notes: in.Notes, Reference: in.Reference,
	})
	if err != nil {
		return Entry{}, err
	}
	return commit(ctx, tx, e)
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Entry{}, ErrEntryNotFound
	}
	return scanEntry(l.db.QueryRow(ctx, `SELECT `+entryColumns+` WHERE l.id = $1`, id))
}

// Advance moves a row along its status lifecycle under a row lock.
func (l *PostgresLedger) Advance(ctx context.Context, id string, target Status) (Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Entry{}, ErrEntryNotFound
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` WHERE l.id = $1 FOR UPDATE OF l`, id))
	if err != nil {
		return Entry{}, err
	}
	if err := CheckTransition(e.Type, e.Status, target); err != nil {
		return Entry{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE key_transfer_logs SET status = $2 WHERE id = $1`, id, string(target)); err != nil {
		return Entry{}, err
	}
	e.Status = target
	return commit(ctx, tx, e)
}

// whereBuilder accumulates positional SQL predicates.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func addAccount(w *whereBuilder, accountID string, d Direction) {
	switch d {
	case DirectionIn:
		w.add("l.to_user = ?::uuid", accountID)
	case DirectionOut:
		w.add("l.from_user = ?::uuid", accountID)
	default:
		w.add("(l.to_user = ?::uuid OR l.from_user = ?::uuid)", accountID, accountID)
	}
}

func addWindow(w *whereBuilder, from, to time.Time) {
	if !from.IsZero() {
		w.add("l.date >= ?", from.UTC())
	}
	if !to.IsZero() {
		w.add("l.date < ?", to.UTC())
	}
}

func typeStrings(types []Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// List returns one page of rows matching f, newest first.
func (l *PostgresLedger) List(ctx context.Context, f Filter) (Page, error) {
	page, limit := f.pagination()

	var w whereBuilder
	if f.AccountID != "" {
		if _, err := uuid.Parse(f.AccountID); err != nil {
			return newPage(nil, 0, page, limit), nil
		}
		addAccount(&w, f.AccountID, f.Direction)
	}
	if len(f.Types) > 0 {
		w.add("l.type = ANY(?)", typeStrings(f.Types))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		w.add("l.status = ANY(?)", statuses)
	}
	addWindow(&w, f.From, f.To)
	if q := strings.TrimSpace(f.Search); q != "" {
		w.add(`(l.notes ILIKE ? ESCAPE '\' OR l.reference ILIKE ? ESCAPE '\'
            OR l.batch_number ILIKE ? ESCAPE '\' OR f.name ILIKE ? ESCAPE '\'
            OR t.name ILIKE ? ESCAPE '\')`, repeat(containsPattern(q), 5)...)
	}

	var total int
	countSQL := `SELECT COUNT(*) FROM key_transfer_logs l
        LEFT JOIN accounts f ON f.id = l.from_user
        LEFT JOIN accounts t ON t.id = l.to_user` + w.String()
	if err := l.db.QueryRow(ctx, countSQL, w.args...).Scan(&total); err != nil {
		return Page{}, err
	}

	args := append(append([]any{}, w.args...), limit, (page-1)*limit)
	pageSQL := fmt.Sprintf(`SELECT %s%s ORDER BY l.date DESC, l.id DESC LIMIT $%d OFFSET $%d`,
		entryColumns, w.String(), len(w.args)+1, len(w.args)+2)
	rows, err := l.db.Query(ctx, pageSQL, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Page{}, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return newPage(entries, total, page, limit), nil
}

// Sum totals the counts of rows selected by q.
func (l *PostgresLedger) Sum(ctx context.Context, q SumQuery) (int64, error) {
	if q.Direction == DirectionAny {
		return 0, fmt.Errorf("sum requires a direction")
	}
	if _, err := uuid.Parse(q.AccountID); err != nil {
		return 0, nil
	}
	var w whereBuilder
	addAccount(&w, q.AccountID, q.Direction)
	if len(q.Types) > 0 {
		w.add("l.type = ANY(?)", typeStrings(q.Types))
	}
	addWindow(&w, q.From, q.To)

	var total int64
	err := l.db.QueryRow(ctx, `SELECT COALESCE(SUM(l.count), 0) FROM key_transfer_logs l`+w.String(), w.args...).Scan(&total)
	return total, err
}

// TopSenders groups rows of q.Type by sender, largest totals first.
func (l *PostgresLedger) TopSenders(ctx context.Context, q TopQuery) ([]SenderTotal, error) {
	var w whereBuilder
	w.add("l.type = ?", string(q.Type))
	w.add("l.from_user IS NOT NULL")
	if q.SenderIDs != nil {
		w.add("l.from_user::text = ANY(?)", q.SenderIDs)
	}
	addWindow(&w, q.From, q.To)

	query := `SELECT l.from_user::text, COALESCE(MAX(f.name), ''), SUM(l.count) AS total
        FROM key_transfer_logs l
        LEFT JOIN accounts f ON f.id = l.from_user` + w.String() + `
        GROUP BY l.from_user
        ORDER BY total DESC, 2 ASC, 1 ASC`
	args := w.args
	if q.Limit > 0 {
		args = append(append([]any{}, w.args...), q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SenderTotal{}
	for rows.Next() {
		var s SenderTotal
		if err := rows.Scan(&s.AccountID, &s.Name, &s.Total); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Reconcile compares the stored counters of accountID with the row sums.
func (l *PostgresLedger) Reconcile(ctx context.Context, accountID string) (Reconciliation, error) {
	b, err := l.Balance(ctx, accountID)
	if err != nil {
		return Reconciliation{}, err
	}
	rec := Reconciliation{AccountID: accountID, StoredAssigned: b.Assigned, StoredUsed: b.Used}
	err = l.db.QueryRow(ctx, `SELECT
            COALESCE(SUM(count) FILTER (WHERE to_user = $1), 0),
            COALESCE(SUM(count) FILTER (WHERE from_user = $1 AND type <> 'receive'), 0)
        FROM key_transfer_logs
        WHERE to_user = $1 OR from_user = $1`, accountID).Scan(&rec.LedgerAssigned, &rec.LedgerUsed)
	return rec, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern matches q literally anywhere in a column.
func containsPattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}

func repeat(v string, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = v
	}
	return out
}
