// Package users declares the server-side repository contract for user
// accounts.
package users

import (
	"context"

	"github.com/envsync/envsync/internal/server/models"
)

type Repository interface {
	// Create stores a new user with its key-derivation salt and master-key
	// verifier, returning the stored row with the generated id.
	Create(ctx context.Context, user *models.User) (*models.User, error)

	// GetUserByLogin looks a user up by username. Returns
	// common.ErrorNotFound when absent.
	GetUserByLogin(ctx context.Context, userName string) (*models.User, error)
}
