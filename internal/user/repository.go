// AngelaMos | 2026
// repository.go

package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/thimblely/thimblely/internal/core"
)

const (
	userColumns = `id, email, password_hash, role, metadata,
		email_confirmed_at, token_version,
		created_at, updated_at, deleted_at`

	liveUser = `deleted_at IS NULL`
)

type Repository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	ResetPending(ctx context.Context, user *User) error
	ConfirmEmail(ctx context.Context, id string) (*User, error)
	PatchMetadata(ctx context.Context, id string, patch MetadataPatch) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	IncrementTokenVersion(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) error
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, user *User) error {
	err := r.db.GetContext(ctx, user, `
		INSERT INTO users (id, email, password_hash, role, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at, token_version`,
		user.ID, user.Email, user.PasswordHash, user.Role, user.Metadata,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create user: %w", core.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.getOne(ctx, "get user", `
		SELECT `+userColumns+` FROM users
		WHERE id = $1 AND `+liveUser, id)
}

func (r *repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, "get user by email", `
		SELECT `+userColumns+` FROM users
		WHERE email = $1 AND `+liveUser, email)
}

// ResetPending overwrites the credentials and metadata of an account that
// has not confirmed its email yet.
func (r *repository) ResetPending(ctx context.Context, user *User) error {
	err := r.db.GetContext(ctx, &user.UpdatedAt, `
		UPDATE users
		SET password_hash = $2, metadata = $3, updated_at = NOW()
		WHERE id = $1 AND email_confirmed_at IS NULL AND `+liveUser+`
		RETURNING updated_at`,
		user.ID, user.PasswordHash, user.Metadata,
	)
	return notFoundOr("reset pending user", err)
}

// ConfirmEmail stamps email_confirmed_at once; confirming again keeps the
// original timestamp.
func (r *repository) ConfirmEmail(ctx context.Context, id string) (*User, error) {
	return r.getOne(ctx, "confirm email", `
		UPDATE users
		SET email_confirmed_at = COALESCE(email_confirmed_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1 AND `+liveUser+`
		RETURNING `+userColumns, id)
}

// PatchMetadata merges in one statement so concurrent profile edits to
// different keys both survive.
func (r *repository) PatchMetadata(
	ctx context.Context,
	id string,
	patch MetadataPatch,
) (*User, error) {
	remove := patch.Remove
	if remove == nil {
		remove = []string{}
	}
	return r.getOne(ctx, "patch metadata", `
		UPDATE users
		SET metadata = (metadata || $2::jsonb) - $3::text[],
		    updated_at = NOW()
		WHERE id = $1 AND `+liveUser+`
		RETURNING `+userColumns, id, patch.Set, remove)
}

func (r *repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.execOne(ctx, "update password", `
		UPDATE users
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1 AND `+liveUser, id, passwordHash)
}

func (r *repository) IncrementTokenVersion(ctx context.Context, id string) error {
	return r.execOne(ctx, "increment token version", `
		UPDATE users
		SET token_version = token_version + 1, updated_at = NOW()
		WHERE id = $1 AND `+liveUser, id)
}

// SoftDelete hides the row and bumps token_version in the same statement,
// which invalidates every access token still in flight.
func (r *repository) SoftDelete(ctx context.Context, id string) error {
	return r.execOne(ctx, "delete user", `
		UPDATE users
		SET deleted_at = NOW(), updated_at = NOW(),
		    token_version = token_version + 1
		WHERE id = $1 AND `+liveUser, id)
}

func (r *repository) getOne(
	ctx context.Context,
	op, query string,
	args ...any,
) (*User, error) {
	var user User
	if err := r.db.GetContext(ctx, &user, query, args...); err != nil {
		return nil, notFoundOr(op, err)
	}
	return &user, nil
}

// execOne runs a statement that must touch exactly one live row.
func (r *repository) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	return nil
}

func notFoundOr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
