package refreshtokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/authcore/internal/common"
	"github.com/dmitrijs2005/authcore/internal/dbx"
	"github.com/dmitrijs2005/authcore/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, t *models.RefreshToken) (*models.RefreshToken, error) {
	query := `
		INSERT INTO refresh_tokens (user_id, jti, token_hash, token_algo, token_params, expires_at, rotated_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	var rotatedFrom sql.NullString
	if t.RotatedFrom != nil {
		rotatedFrom = sql.NullString{String: *t.RotatedFrom, Valid: true}
	}
	err := r.db.QueryRowContext(ctx, query,
		t.UserID, t.JTI, t.Token.Value, string(t.Token.Algorithm), t.Token.Params, t.ExpiresAt, rotatedFrom,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) FindByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	query := `
		SELECT id, user_id, jti, token_hash, token_algo, token_params, expires_at, revoked_at, rotated_from, created_at
		FROM refresh_tokens
		WHERE jti = $1
	`
	var (
		t           models.RefreshToken
		revokedAt   sql.NullTime
		rotatedFrom sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, jti).Scan(
		&t.ID, &t.UserID, &t.JTI,
		&t.Token.Value, &t.Token.Algorithm, &t.Token.Params,
		&t.ExpiresAt, &revokedAt, &rotatedFrom, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	if rotatedFrom.Valid {
		t.RotatedFrom = &rotatedFrom.String
	}
	return &t, nil
}

func (r *PostgresRepository) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	if _, err := r.RevokeIfActive(ctx, id, at); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) RevokeIfActive(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $1
		WHERE id = $2 AND revoked_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	if err := dbx.ExpectRows(res, 1); err != nil {
		if errors.Is(err, dbx.ErrUnexpectedRowCount) {
			return false, nil
		}
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $1
		WHERE user_id = $2 AND revoked_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, at, userID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) UpdateHash(ctx context.Context, id string, rec models.HashRecord) error {
	query := `
		UPDATE refresh_tokens
		SET token_hash = $1, token_algo = $2, token_params = $3
		WHERE id = $4
	`
	if _, err := r.db.ExecContext(ctx, query, rec.Value, string(rec.Algorithm), rec.Params, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
