package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-settlement/internal/domain/auth"
)

const (
	accountColumns = `id, username, role, key_hash, created_at`

	findAccountByHashSQL = `SELECT ` + accountColumns + ` FROM accounts WHERE key_hash = $1`

	findAccountByUsernameSQL = `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1`

	insertAccountSQL = `INSERT INTO accounts (id, username, role, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	setAccountKeyHashSQL = `UPDATE accounts SET key_hash = $2 WHERE id = $1`
)

var _ auth.Repository = (*AccountRepository)(nil)

// AccountRepository provides account persistence backed by PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository returns an AccountRepository that uses the given pool.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// FindByHash looks up an account by the HMAC-SHA256 hash of its API key.
func (r *AccountRepository) FindByHash(ctx context.Context, hash string) (*auth.Account, error) {
	return r.findOne(ctx, findAccountByHashSQL, hash)
}

// FindByUsername looks up an account by its unique username.
func (r *AccountRepository) FindByUsername(ctx context.Context, username string) (*auth.Account, error) {
	return r.findOne(ctx, findAccountByUsernameSQL, username)
}

// Create inserts a new account.
func (r *AccountRepository) Create(ctx context.Context, a *auth.Account) error {
	_, err := r.pool.Exec(ctx, insertAccountSQL, a.ID, a.Username, a.Role.String(), a.KeyHash, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "accounts_username_key" {
			return auth.ErrUsernameTaken
		}
		return fmt.Errorf("creating account %q: %w", a.Username, err)
	}
	return nil
}

// SetKeyHash replaces the key hash of an existing account.
func (r *AccountRepository) SetKeyHash(ctx context.Context, id, hash string) error {
	tag, err := r.pool.Exec(ctx, setAccountKeyHashSQL, id, hash)
	if err != nil {
		return fmt.Errorf("updating key of account %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (r *AccountRepository) findOne(ctx context.Context, sql, arg string) (*auth.Account, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("finding account: %w", err)
	}
	return &a, nil
}

func scanAccount(row pgx.CollectableRow) (auth.Account, error) {
	var (
		a    auth.Account
		role string
	)
	if err := row.Scan(&a.ID, &a.Username, &role, &a.KeyHash, &a.CreatedAt); err != nil {
		return a, err
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return a, err
	}
	a.Role = r
	return a, nil
}
