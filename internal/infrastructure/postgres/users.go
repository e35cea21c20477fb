package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/domain/hospital"
)

// Users stores user accounts
type Users struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewUsers creates a user repository
func NewUsers(pool *pgxpool.Pool, logger *zap.Logger) *Users {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Users{pool: pool, logger: logger}
}

const userColumns = `user_id, username, email, role, doctor_id, password_hash, created_at`

func scanUser(row pgx.Row) (hospital.User, error) {
	var u hospital.User
	err := row.Scan(&u.UserID, &u.Username, &u.Email, &u.Role, &u.DoctorID, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

// Create stores u. CreatedAt is set by the database.
func (r *Users) Create(ctx context.Context, u *hospital.User) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (user_id, username, email, role, doctor_id, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, u.UserID, u.Username, u.Email, string(u.Role), u.DoctorID, u.PasswordHash).Scan(&u.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &hospital.DuplicateError{Collection: hospital.KindUser, IDs: []string{u.Username}}
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Get returns a user by id
func (r *Users) Get(ctx context.Context, id string) (hospital.User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, id)
}

// GetByUsername returns a user by login name
func (r *Users) GetByUsername(ctx context.Context, username string) (hospital.User, error) {
	return r.one(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *Users) one(ctx context.Context, query, arg string) (hospital.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return u, fmt.Errorf("user %s: %w", arg, hospital.ErrNotFound)
	}
	if err != nil {
		return u, fmt.Errorf("get user %s: %w", arg, err)
	}
	return u, nil
}

// List returns every user ordered by username
func (r *Users) List(ctx context.Context) ([]hospital.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (hospital.User, error) {
		return scanUser(row)
	})
}

// Delete removes a user
func (r *Users) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE user_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, hospital.ErrNotFound)
	}
	return nil
}
