// Package refreshtokens declares the server-side contract for persisting
// refresh token state, and its PostgreSQL implementation.
package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/authcore/internal/server/models"
)

// Repository stores refresh token rows. Rows are revoked, never deleted.
type Repository interface {
	// Create inserts t and fills in its ID and CreatedAt.
	Create(ctx context.Context, t *models.RefreshToken) (*models.RefreshToken, error)

	// FindByJTI returns common.ErrorNotFound when no row has the jti.
	FindByJTI(ctx context.Context, jti string) (*models.RefreshToken, error)

	// MarkRevoked sets revoked_at on an active row. Revoking an already
	// revoked or missing row is not an error.
	MarkRevoked(ctx context.Context, id string, at time.Time) error

	// RevokeIfActive revokes the row only if it is still active and reports
	// whether this call did it.
	RevokeIfActive(ctx context.Context, id string, at time.Time) (bool, error)

	// RevokeAllForUser revokes every active row of userID and returns how
	// many were revoked.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)

	// UpdateHash replaces the stored token hash.
	UpdateHash(ctx context.Context, id string, rec models.HashRecord) error
}
