// Package syncstates declares the repository contract for per-entity sync
// bookkeeping: version counters, content hashes and status.
package syncstates

import (
	"context"

	"github.com/envsync/envsync/internal/server/models"
)

type Repository interface {
	// GetOrCreate returns the sync state for (userID, entityType, entityID),
	// creating it with zero versions and pending status on first reference.
	// The returned row is locked for the duration of the surrounding
	// transaction so concurrent pushes to the same entity serialize.
	GetOrCreate(ctx context.Context, userID, entityType, entityID, storagePath string) (*models.SyncState, error)

	// GetByID returns a sync state by primary key. Returns
	// common.ErrorNotFound when absent.
	GetByID(ctx context.Context, id string) (*models.SyncState, error)

	// AdvanceOnAccept records an accepted version: base and local collapse
	// to newVersion, remote advances to at least newVersion (it never
	// decreases), hashes and etag are updated, status becomes synced and
	// last_sync_at is stamped. Also used to settle a resolved conflict.
	AdvanceOnAccept(ctx context.Context, id string, newVersion int64, newHash string, etag string) error

	// MarkConflict flips status to conflict. Version counters are left
	// untouched: the divergence is resolved explicitly, never silently.
	MarkConflict(ctx context.Context, id string) error

	// MarkError records a transport/storage failure without corrupting the
	// version counters, so the push can be retried.
	MarkError(ctx context.Context, id string, message string) error

	// ListByUser returns all sync states owned by userID.
	ListByUser(ctx context.Context, userID string) ([]*models.SyncState, error)
}
