package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists accounts.
type Repository interface {
	Create(ctx context.Context, acc Account) error
	FindByID(ctx context.Context, id string) (Account, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
	ListByParent(ctx context.Context, parentID string) ([]Account, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
}

const uniqueViolation = "23505"

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db Querier
}

// NewPostgresRepository builds a Postgres-backed account repository.
func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectColumns = `id::text, role, COALESCE(created_by::text, ''), name, email, phone, address, status, password_hash, created_at`

// Create inserts a new account with zeroed key counters.
func (r *PostgresRepository) Create(ctx context.Context, acc Account) error {
	id, err := uuid.Parse(acc.ID)
	if err != nil {
		return err
	}
	var parent *uuid.UUID
	if acc.CreatedBy != "" {
		p, err := uuid.Parse(acc.CreatedBy)
		if err != nil {
			return err
		}
		parent = &p
	}
	_, err = r.db.Exec(ctx, `INSERT INTO accounts (id, role, created_by, name, email, phone, address, status, password_hash, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, string(acc.Role), parent, acc.Name, acc.Email, acc.Phone, acc.Address, string(acc.Status), acc.PasswordHash, acc.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrEmailTaken
	}
	return err
}

// FindByID fetches an account by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Account, error) {
	accountID, err := uuid.Parse(id)
	if err != nil {
		return Account{}, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// FindByEmail fetches an account by its login email.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// ListByParent returns the direct children of parentID ordered by name.
func (r *PostgresRepository) ListByParent(ctx context.Context, parentID string) ([]Account, error) {
	pid, err := uuid.Parse(parentID)
	if err != nil {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM accounts WHERE created_by = $1 ORDER BY name, id`, pid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// UpdateStatus changes the lifecycle status of an account.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	accountID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE accounts SET status = $1 WHERE id = $2`, string(status), accountID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		role      string
		status    string
		createdAt time.Time
		acc       Account
	)
	if err := row.Scan(&acc.ID, &role, &acc.CreatedBy, &acc.Name, &acc.Email, &acc.Phone, &acc.Address, &status, &acc.PasswordHash, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	acc.Role = Role(role)
	acc.Status = Status(status)
	acc.CreatedAt = createdAt.UTC()
	return acc, nil
}
