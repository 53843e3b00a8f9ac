// AngelaMos | 2026
// repository.go

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/thimblely/thimblely/internal/core"
)

const sessionTokenColumns = `
			id, user_id, session_id, token_hash, device_id, user_agent,
			ip_address, expires_at, created_at, rotated_at, replaced_by_id,
			revoked_at, revoke_reason`

type Repository interface {
	Create(ctx context.Context, token *SessionToken) error
	FindByHash(ctx context.Context, tokenHash string) (*SessionToken, error)
	// Rotate retires currentID in favour of next. It fails with
	// core.ErrNotFound when currentID was already rotated or revoked.
	Rotate(ctx context.Context, currentID string, next *SessionToken) error
	RevokeSession(
		ctx context.Context,
		userID, sessionID string,
		reason RevokeReason,
	) error
	RevokeAllForUser(ctx context.Context, userID string, reason RevokeReason) error
	ListLive(ctx context.Context, userID string) ([]SessionToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, token *SessionToken) error {
	return insertToken(ctx, r.db, token)
}

func insertToken(ctx context.Context, q core.DBTX, token *SessionToken) error {
	query := `
		INSERT INTO session_tokens (
			id, user_id, session_id, token_hash, device_id,
			user_agent, ip_address, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at`

	err := q.GetContext(ctx, &token.CreatedAt, query,
		token.ID,
		token.UserID,
		token.SessionID,
		token.TokenHash,
		token.DeviceID,
		token.UserAgent,
		token.IPAddress,
		token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create session token: %w", err)
	}

	return nil
}

func (r *repository) FindByHash(
	ctx context.Context,
	tokenHash string,
) (*SessionToken, error) {
	query := `
		SELECT ` + sessionTokenColumns + `
		FROM session_tokens
		WHERE token_hash = $1`

	var token SessionToken
	err := r.db.GetContext(ctx, &token, query, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find session token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find session token: %w", err)
	}

	return &token, nil
}

func (r *repository) Rotate(
	ctx context.Context,
	currentID string,
	next *SessionToken,
) error {
	return core.InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		query := `
			UPDATE session_tokens
			SET rotated_at = NOW(), replaced_by_id = $2
			WHERE id = $1 AND rotated_at IS NULL AND revoked_at IS NULL`

		result, err := tx.ExecContext(ctx, query, currentID, next.ID)
		if err != nil {
			return fmt.Errorf("rotate session token: %w", err)
		}
		if err := expectRows(result, "rotate session token"); err != nil {
			return err
		}

		return insertToken(ctx, tx, next)
	})
}

func (r *repository) RevokeSession(
	ctx context.Context,
	userID, sessionID string,
	reason RevokeReason,
) error {
	query := `
		UPDATE session_tokens
		SET revoked_at = NOW(), revoke_reason = $3
		WHERE user_id = $1 AND session_id = $2 AND revoked_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, userID, sessionID, string(reason))
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	return expectRows(result, "revoke session")
}

func (r *repository) RevokeAllForUser(
	ctx context.Context,
	userID string,
	reason RevokeReason,
) error {
	query := `
		UPDATE session_tokens
		SET revoked_at = NOW(), revoke_reason = $2
		WHERE user_id = $1 AND revoked_at IS NULL`

	_, err := r.db.ExecContext(ctx, query, userID, string(reason))
	if err != nil {
		return fmt.Errorf("revoke all user sessions: %w", err)
	}

	return nil
}

func (r *repository) ListLive(
	ctx context.Context,
	userID string,
) ([]SessionToken, error) {
	query := `
		SELECT ` + sessionTokenColumns + `
		FROM session_tokens
		WHERE user_id = $1
			AND revoked_at IS NULL
			AND rotated_at IS NULL
			AND expires_at > NOW()
		ORDER BY created_at DESC`

	var tokens []SessionToken
	err := r.db.SelectContext(ctx, &tokens, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}

	return tokens, nil
}

func (r *repository) DeleteExpired(
	ctx context.Context,
	before time.Time,
) (int64, error) {
	query := `
		DELETE FROM session_tokens
		WHERE expires_at < $1`

	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	return rows, nil
}

func expectRows(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	return nil
}
