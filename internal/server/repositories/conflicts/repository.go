// Package conflicts declares the repository contract for the durable
// conflict store. Conflict rows are written when a push is rejected and
// retained after resolution for audit.
package conflicts

import (
	"context"
	"database/sql"
	"time"

	"github.com/envsync/envsync/internal/server/models"
)

// PendingConflict is a pending conflict joined with its sync state's entity
// reference, as returned to clients for the resolution flow.
type PendingConflict struct {
	ID         string
	EntityType string
	EntityID   string
	LocalData  string
	RemoteData string
	DetectedAt time.Time
}

type Repository interface {
	// Create records a detected divergence, in pending state. When the sync
	// state already has a pending conflict, that existing conflict is
	// returned instead: at most one conflict per state awaits resolution.
	Create(ctx context.Context, conflict *models.SyncConflict) (*models.SyncConflict, error)

	// GetByID returns a conflict owned by userID (enforced via its sync
	// state). Returns common.ErrorNotFound when absent or owned by another
	// user.
	GetByID(ctx context.Context, id string, userID string) (*models.SyncConflict, error)

	// ListPendingByUser returns all pending conflicts for userID with their
	// entity references.
	ListPendingByUser(ctx context.Context, userID string) ([]*PendingConflict, error)

	// Resolve transitions a pending conflict to the terminal resolution.
	// Returns common.ErrInvalidResolution when the conflict is no longer
	// pending (a conflict resolves exactly once), common.ErrorNotFound when
	// it does not exist.
	Resolve(ctx context.Context, id string, resolution models.ConflictResolution, resolvedData sql.NullString, resolvedByID string) error
}
