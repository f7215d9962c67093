// Package conflicts provides the PostgreSQL-backed conflict store.
package conflicts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/envsync/envsync/internal/common"
	"github.com/envsync/envsync/internal/dbx"
	"github.com/envsync/envsync/internal/server/models"
)

// PostgresRepository implements conflict storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a pending conflict. The partial unique index on
// (sync_state_id) WHERE resolution='pending' makes the insert a no-op when a
// pending conflict already exists; in that case the existing row is returned.
func (r *PostgresRepository) Create(ctx context.Context, conflict *models.SyncConflict) (*models.SyncConflict, error) {
	insert := `
		INSERT INTO sync_conflicts (sync_state_id, local_data, remote_data, base_data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sync_state_id) WHERE resolution = 'pending' DO NOTHING
		RETURNING id, detected_at
	`
	err := r.db.QueryRowContext(ctx, insert,
		conflict.SyncStateID, conflict.LocalData, conflict.RemoteData, conflict.BaseData).
		Scan(&conflict.ID, &conflict.DetectedAt)

	if err == nil {
		conflict.Resolution = models.ResolutionPending
		return conflict, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("db error: %w", err)
	}

	// insert skipped: a pending conflict for this state already exists
	query := `
		SELECT id, sync_state_id, local_data, remote_data, base_data, resolution, detected_at
		FROM sync_conflicts
		WHERE sync_state_id = $1 AND resolution = 'pending'
	`
	existing := &models.SyncConflict{}
	err = r.db.QueryRowContext(ctx, query, conflict.SyncStateID).Scan(
		&existing.ID, &existing.SyncStateID, &existing.LocalData, &existing.RemoteData,
		&existing.BaseData, &existing.Resolution, &existing.DetectedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return existing, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string, userID string) (*models.SyncConflict, error) {
	query := `
		SELECT c.id, c.sync_state_id, c.local_data, c.remote_data, c.base_data,
			c.resolution, c.resolved_data, c.resolved_by_id, c.detected_at, c.resolved_at
		FROM sync_conflicts c
		JOIN sync_states s ON s.id = c.sync_state_id
		WHERE c.id = $1 AND s.user_id = $2
	`
	c := &models.SyncConflict{}
	err := r.db.QueryRowContext(ctx, query, id, userID).Scan(
		&c.ID, &c.SyncStateID, &c.LocalData, &c.RemoteData, &c.BaseData,
		&c.Resolution, &c.ResolvedData, &c.ResolvedByID, &c.DetectedAt, &c.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListPendingByUser(ctx context.Context, userID string) ([]*PendingConflict, error) {
	query := `
		SELECT c.id, s.entity_type, s.entity_id, c.local_data, c.remote_data, c.detected_at
		FROM sync_conflicts c
		JOIN sync_states s ON s.id = c.sync_state_id
		WHERE s.user_id = $1 AND c.resolution = 'pending'
		ORDER BY c.detected_at
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*PendingConflict
	for rows.Next() {
		c := &PendingConflict{}
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.LocalData, &c.RemoteData, &c.DetectedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve performs the pending-only transition with a conditional UPDATE,
// which doubles as the idempotency guard: a second resolution attempt
// matches zero rows.
func (r *PostgresRepository) Resolve(ctx context.Context, id string, resolution models.ConflictResolution, resolvedData sql.NullString, resolvedByID string) error {
	query := `
		UPDATE sync_conflicts SET
			resolution = $2,
			resolved_data = $3,
			resolved_by_id = $4,
			resolved_at = now()
		WHERE id = $1 AND resolution = 'pending'
	`
	res, err := r.db.ExecContext(ctx, query, id, resolution, resolvedData, resolvedByID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 1 {
		return nil
	}

	// distinguish missing from already-terminal
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_conflicts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if !exists {
		return common.ErrorNotFound
	}
	return common.ErrInvalidResolution
}
