// Package syncstates provides the PostgreSQL-backed repository for sync
// state rows.
package syncstates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/envsync/envsync/internal/common"
	"github.com/envsync/envsync/internal/dbx"
	"github.com/envsync/envsync/internal/server/models"
)

// PostgresRepository implements sync-state storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const stateColumns = `id, user_id, entity_type, entity_id,
		local_version, remote_version, base_version,
		local_hash, remote_hash, status, storage_path, storage_etag,
		last_local_change, last_remote_change, last_sync_at, last_sync_error`

func scanState(row *sql.Row) (*models.SyncState, error) {
	s := &models.SyncState{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.EntityType, &s.EntityID,
		&s.LocalVersion, &s.RemoteVersion, &s.BaseVersion,
		&s.LocalHash, &s.RemoteHash, &s.Status, &s.StoragePath, &s.StorageEtag,
		&s.LastLocalChange, &s.LastRemoteChange, &s.LastSyncAt, &s.LastSyncError,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetOrCreate upserts the row for (userID, entityType, entityID) and selects
// it with FOR UPDATE. Callers are expected to run inside a transaction; the
// row lock is what serializes concurrent pushes to the same entity.
func (r *PostgresRepository) GetOrCreate(ctx context.Context, userID, entityType, entityID, storagePath string) (*models.SyncState, error) {

	insert := `
		INSERT INTO sync_states (user_id, entity_type, entity_id, storage_path)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, entity_type, entity_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insert, userID, entityType, entityID, storagePath); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	query := `SELECT ` + stateColumns + `
		FROM sync_states
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3
		FOR UPDATE
	`
	state, err := scanState(r.db.QueryRowContext(ctx, query, userID, entityType, entityID))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return state, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.SyncState, error) {
	query := `SELECT ` + stateColumns + `
		FROM sync_states
		WHERE id = $1
	`
	state, err := scanState(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return state, nil
}

// AdvanceOnAccept collapses base and local to newVersion. remote_version is
// advanced with GREATEST so it never decreases: when the entity had an
// unincorporated remote change ahead of the accepted version, the gap stays
// visible to the next conflict check.
func (r *PostgresRepository) AdvanceOnAccept(ctx context.Context, id string, newVersion int64, newHash string, etag string) error {
	query := `
		UPDATE sync_states SET
			local_version = $2,
			remote_version = GREATEST(remote_version, $2),
			base_version = $2,
			local_hash = $3,
			remote_hash = $3,
			storage_etag = NULLIF($4, ''),
			status = 'synced',
			last_local_change = now(),
			last_sync_at = now(),
			last_sync_error = NULL
		WHERE id = $1
	`
	return r.exec(ctx, query, id, newVersion, newHash, etag)
}

func (r *PostgresRepository) MarkConflict(ctx context.Context, id string) error {
	query := `
		UPDATE sync_states SET status = 'conflict'
		WHERE id = $1
	`
	return r.exec(ctx, query, id)
}

func (r *PostgresRepository) MarkError(ctx context.Context, id string, message string) error {
	query := `
		UPDATE sync_states SET status = 'error', last_sync_error = $2
		WHERE id = $1
	`
	return r.exec(ctx, query, id, message)
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.SyncState, error) {
	query := `SELECT ` + stateColumns + `
		FROM sync_states
		WHERE user_id = $1
		ORDER BY entity_type, entity_id
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncState
	for rows.Next() {
		s := &models.SyncState{}
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.EntityType, &s.EntityID,
			&s.LocalVersion, &s.RemoteVersion, &s.BaseVersion,
			&s.LocalHash, &s.RemoteHash, &s.Status, &s.StoragePath, &s.StorageEtag,
			&s.LastLocalChange, &s.LastRemoteChange, &s.LastSyncAt, &s.LastSyncError,
		); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
