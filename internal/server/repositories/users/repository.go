// Package users declares the server-side user store contract and its
// PostgreSQL implementation.
package users

import (
	"context"

	"github.com/dmitrijs2005/authcore/internal/server/models"
)

// Repository is the User store. Lookups return common.ErrorNotFound when
// no row matches; Create returns common.ErrorAlreadyExists on a duplicate
// email.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdatePassword(ctx context.Context, id string, rec models.HashRecord) error
}
