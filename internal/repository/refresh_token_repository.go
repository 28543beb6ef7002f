package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/authsession-api/internal/models"
)

var (
	// ErrTokenNotFound indicates no refresh token row matched.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenAlreadyRevoked indicates the row exists but was revoked before this write.
	ErrTokenAlreadyRevoked = errors.New("refresh token already revoked")
)

const refreshTokenColumns = `id, user_id, token_hash, family, is_revoked, expires_at, created_at, user_agent, ip_address`

// QueryObserver receives durable query timings. MetricsService satisfies it.
type QueryObserver interface {
	ObserveDBQuery(label string, duration time.Duration)
}

// RefreshTokenRepository is the system of record for issued refresh tokens.
type RefreshTokenRepository struct {
	db       *sqlx.DB
	observer QueryObserver
}

// NewRefreshTokenRepository creates a new instance of RefreshTokenRepository.
func NewRefreshTokenRepository(db *sqlx.DB, observer QueryObserver) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db, observer: observer}
}

func (r *RefreshTokenRepository) observe(label string, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveDBQuery(label, time.Since(start))
	}
}

const insertRefreshTokenQuery = `INSERT INTO refresh_tokens (id, user_id, token_hash, family, is_revoked, expires_at, created_at, user_agent, ip_address) VALUES (:id, :user_id, :token_hash, :family, :is_revoked, :expires_at, :created_at, :user_agent, :ip_address)`

// Create persists a refresh token entry.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	defer r.observe("refresh_tokens.create", time.Now())
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.NamedExecContext(ctx, insertRefreshTokenQuery, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindActiveByHash returns the token with the given hash only if it is neither
// revoked nor expired at now.
func (r *RefreshTokenRepository) FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	defer r.observe("refresh_tokens.find_active", time.Now())
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1 AND is_revoked = FALSE AND expires_at > $2 LIMIT 1`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, tokenHash, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("find refresh token by hash: %w", err)
	}
	return &token, nil
}

const revokeByIDQuery = `UPDATE refresh_tokens SET is_revoked = TRUE WHERE id = $1 AND is_revoked = FALSE RETURNING ` + refreshTokenColumns

// RevokeByID marks a token revoked with a conditional write and returns the row
// as it was revoked. Zero affected rows yields ErrTokenAlreadyRevoked or
// ErrTokenNotFound.
func (r *RefreshTokenRepository) RevokeByID(ctx context.Context, id string) (*models.RefreshToken, error) {
	defer r.observe("refresh_tokens.revoke", time.Now())
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, revokeByIDQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.classifyMissing(ctx, r.db, id)
		}
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	return &token, nil
}

// Rotate revokes the parent token and inserts its successor in one transaction.
// The parent row stays locked until commit, so a concurrent rotation of the same
// parent observes ErrTokenAlreadyRevoked.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, parentID string, next *models.RefreshToken) (*models.RefreshToken, error) {
	defer r.observe("refresh_tokens.rotate", time.Now())
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotate: %w", err)
	}

	var parent models.RefreshToken
	if err := tx.GetContext(ctx, &parent, revokeByIDQuery, parentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = r.classifyMissing(ctx, tx, parentID)
		} else {
			err = fmt.Errorf("rotate revoke parent: %w", err)
		}
		_ = tx.Rollback()
		return nil, err
	}

	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.NamedExecContext(ctx, insertRefreshTokenQuery, next); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("rotate insert successor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotate: %w", err)
	}
	return &parent, nil
}

// RevokeByHash marks the token with the given hash revoked.
func (r *RefreshTokenRepository) RevokeByHash(ctx context.Context, tokenHash string) (bool, error) {
	defer r.observe("refresh_tokens.revoke_by_hash", time.Now())
	const query = `UPDATE refresh_tokens SET is_revoked = TRUE WHERE token_hash = $1 AND is_revoked = FALSE`
	res, err := r.db.ExecContext(ctx, query, tokenHash)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token by hash: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token by hash: %w", err)
	}
	return affected > 0, nil
}

// RevokeByFamily revokes every active token of a family and returns their hashes.
func (r *RefreshTokenRepository) RevokeByFamily(ctx context.Context, family string) ([]string, error) {
	defer r.observe("refresh_tokens.revoke_family", time.Now())
	const query = `UPDATE refresh_tokens SET is_revoked = TRUE WHERE family = $1 AND is_revoked = FALSE RETURNING token_hash`
	hashes := []string{}
	if err := r.db.SelectContext(ctx, &hashes, query, family); err != nil {
		return nil, fmt.Errorf("revoke refresh token family: %w", err)
	}
	return hashes, nil
}

// RevokeByUser revokes every active token of a user and returns their hashes.
func (r *RefreshTokenRepository) RevokeByUser(ctx context.Context, userID string) ([]string, error) {
	defer r.observe("refresh_tokens.revoke_user", time.Now())
	const query = `UPDATE refresh_tokens SET is_revoked = TRUE WHERE user_id = $1 AND is_revoked = FALSE RETURNING token_hash`
	hashes := []string{}
	if err := r.db.SelectContext(ctx, &hashes, query, userID); err != nil {
		return nil, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return hashes, nil
}

// DeleteExpired removes rows that expired before now.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	defer r.observe("refresh_tokens.delete_expired", time.Now())
	const query = `DELETE FROM refresh_tokens WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return affected, nil
}

// ListByUser returns a user's tokens, newest first.
func (r *RefreshTokenRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.RefreshToken, error) {
	defer r.observe("refresh_tokens.list_user", time.Now())
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	tokens := []models.RefreshToken{}
	if err := r.db.SelectContext(ctx, &tokens, query, userID, limit); err != nil {
		return nil, fmt.Errorf("list user refresh tokens: %w", err)
	}
	return tokens, nil
}

func (r *RefreshTokenRepository) classifyMissing(ctx context.Context, q sqlx.QueryerContext, id string) error {
	const query = `SELECT EXISTS(SELECT 1 FROM refresh_tokens WHERE id = $1)`
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, query, id); err != nil {
		return fmt.Errorf("probe refresh token: %w", err)
	}
	if exists {
		return ErrTokenAlreadyRevoked
	}
	return ErrTokenNotFound
}
