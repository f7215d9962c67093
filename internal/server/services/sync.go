package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/envsync/envsync/internal/common"
	"github.com/envsync/envsync/internal/cryptox"
	"github.com/envsync/envsync/internal/dbx"
	"github.com/envsync/envsync/internal/server/models"
	"github.com/envsync/envsync/internal/server/remote"
	"github.com/envsync/envsync/internal/server/repositories/conflicts"
	"github.com/envsync/envsync/internal/server/repositories/repomanager"
)

// PushRequest is one client push: an opaque payload plus the version the
// client believes it is advancing from.
type PushRequest struct {
	EntityType string
	EntityID   string
	// Payload is base64(nonce‖ciphertext); the server never decrypts it.
	Payload             string
	ClaimedLocalVersion int64
	Checksum            string
}

// PushResult reports the outcome of a push. When Accepted is false the push
// was rejected as a conflict and ConflictID references the recorded
// divergence; this is a distinct outcome, not an error.
type PushResult struct {
	EntityType string
	EntityID   string
	Accepted   bool
	Version    int64
	ConflictID string
}

// PullItem identifies one entity and the highest version the client already
// holds for it.
type PullItem struct {
	EntityType   string
	EntityID     string
	KnownVersion int64
}

// PullUpdate carries a newer remote payload back to the client. Entities
// already at parity produce no update.
type PullUpdate struct {
	EntityType string
	EntityID   string
	Version    int64
	Payload    string
}

// BatchItemError records a per-entity failure inside a batch operation.
// Failures never abort the batch; they are aggregated alongside results.
type BatchItemError struct {
	EntityType string
	EntityID   string
	Err        error
}

// SyncService implements the push/pull sync engine: version bookkeeping,
// conflict detection, and the resolution workflow. Payloads stay opaque
// throughout; all decisions are made on version counters and checksums.
type SyncService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	store       remote.RemoteStore
}

func NewSyncService(db *sql.DB, m repomanager.RepositoryManager, store remote.RemoteStore) *SyncService {
	return &SyncService{db: db, repomanager: m, store: store}
}

// storagePath places each entity's current blob under a stable per-user key.
func storagePath(userID, entityType, entityID string) string {
	return fmt.Sprintf("%s/%s/%s", userID, entityType, entityID)
}

// Push runs the conflict detector for one entity and either accepts the
// payload or records a conflict.
//
// A push is a conflict when the remote side has advanced past the shared
// base (remote_version > base_version) while the client still declares a
// basis at or below that base (claimedLocalVersion <= base_version): the
// client has not incorporated a remote change, and accepting would silently
// overwrite it. The check is deliberately conservative — it can flag a false
// conflict but never loses a remote-only change.
//
// The whole decision runs in one transaction holding the state's row lock,
// so two concurrent pushes to the same entity cannot both decide they are
// conflict-free.
func (s *SyncService) Push(ctx context.Context, userID string, req *PushRequest) (*PushResult, error) {
	if req.EntityType == "" || req.EntityID == "" {
		return nil, fmt.Errorf("entity reference is required")
	}
	if req.Checksum != "" && req.Checksum != cryptox.Checksum([]byte(req.Payload)) {
		return nil, fmt.Errorf("checksum does not match payload")
	}
	hash := req.Checksum
	if hash == "" {
		hash = cryptox.Checksum([]byte(req.Payload))
	}

	var result *PushResult
	var stateID string

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		states := s.repomanager.SyncStates(tx)
		path := storagePath(userID, req.EntityType, req.EntityID)

		state, err := states.GetOrCreate(ctx, userID, req.EntityType, req.EntityID, path)
		if err != nil {
			return fmt.Errorf("error loading sync state: %w", err)
		}
		stateID = state.ID

		if state.RemoteVersion > state.BaseVersion && req.ClaimedLocalVersion <= state.BaseVersion {
			conflictID, err := s.recordConflict(ctx, tx, state, req.Payload)
			if err != nil {
				return err
			}
			result = &PushResult{EntityType: req.EntityType, EntityID: req.EntityID, Accepted: false, ConflictID: conflictID}
			return nil
		}

		etag, err := s.store.Put(ctx, state.StoragePath, req.Payload, state.StorageEtag.String)
		if err != nil {
			return fmt.Errorf("%w: storing payload: %v", common.ErrTransport, err)
		}
		if err := states.AdvanceOnAccept(ctx, state.ID, req.ClaimedLocalVersion, hash, etag); err != nil {
			return fmt.Errorf("error advancing sync state: %w", err)
		}
		result = &PushResult{EntityType: req.EntityType, EntityID: req.EntityID, Accepted: true, Version: req.ClaimedLocalVersion}
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrTransport) && stateID != "" {
			// The push transaction rolled back; record the failure on its own
			// so the state is visibly in error and the client can retry.
			_ = s.repomanager.SyncStates(s.db).MarkError(ctx, stateID, err.Error())
		}
		return nil, err
	}
	return result, nil
}

// recordConflict captures both sides of the divergence. The remote payload is
// fetched best-effort: a store failure here must not turn a detected conflict
// into a transport error, so a missing or unreachable blob leaves remote_data
// empty and resolution falls back to the client pulling it later.
func (s *SyncService) recordConflict(ctx context.Context, tx dbx.DBTX, state *models.SyncState, localData string) (string, error) {
	remoteData := ""
	if blob, _, err := s.store.Get(ctx, state.StoragePath); err == nil {
		remoteData = blob
	}

	conflict, err := s.repomanager.Conflicts(tx).Create(ctx, &models.SyncConflict{
		SyncStateID: state.ID,
		LocalData:   localData,
		RemoteData:  remoteData,
	})
	if err != nil {
		return "", fmt.Errorf("error recording conflict: %w", err)
	}
	if err := s.repomanager.SyncStates(tx).MarkConflict(ctx, state.ID); err != nil {
		return "", fmt.Errorf("error marking conflict: %w", err)
	}
	return conflict.ID, nil
}

// PushBatch processes each push independently: one entity's failure is
// captured and the rest of the batch proceeds.
func (s *SyncService) PushBatch(ctx context.Context, userID string, reqs []*PushRequest) ([]*PushResult, []BatchItemError) {
	results := make([]*PushResult, 0, len(reqs))
	var errs []BatchItemError
	for _, req := range reqs {
		res, err := s.Push(ctx, userID, req)
		if err != nil {
			errs = append(errs, BatchItemError{EntityType: req.EntityType, EntityID: req.EntityID, Err: err})
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// Pull returns, for each requested entity whose remote_version exceeds the
// client's known version, the current opaque payload. Entities at parity are
// omitted. Per-entity failures are aggregated, never aborting the batch.
func (s *SyncService) Pull(ctx context.Context, userID string, items []PullItem) ([]PullUpdate, []BatchItemError) {
	updates := make([]PullUpdate, 0, len(items))
	var errs []BatchItemError

	for _, item := range items {
		update, err := s.pullOne(ctx, userID, item)
		if err != nil {
			errs = append(errs, BatchItemError{EntityType: item.EntityType, EntityID: item.EntityID, Err: err})
			continue
		}
		if update != nil {
			updates = append(updates, *update)
		}
	}
	return updates, errs
}

func (s *SyncService) pullOne(ctx context.Context, userID string, item PullItem) (*PullUpdate, error) {
	var update *PullUpdate
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		path := storagePath(userID, item.EntityType, item.EntityID)
		state, err := s.repomanager.SyncStates(tx).GetOrCreate(ctx, userID, item.EntityType, item.EntityID, path)
		if err != nil {
			return fmt.Errorf("error loading sync state: %w", err)
		}
		if state.RemoteVersion <= item.KnownVersion {
			return nil
		}
		blob, _, err := s.store.Get(ctx, state.StoragePath)
		if err != nil {
			return fmt.Errorf("%w: fetching payload: %v", common.ErrTransport, err)
		}
		update = &PullUpdate{
			EntityType: item.EntityType,
			EntityID:   item.EntityID,
			Version:    state.RemoteVersion,
			Payload:    blob,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

// ListConflicts returns the user's pending conflicts for the resolution flow.
func (s *SyncService) ListConflicts(ctx context.Context, userID string) ([]*conflicts.PendingConflict, error) {
	return s.repomanager.Conflicts(s.db).ListPendingByUser(ctx, userID)
}

// ListStates returns all sync states owned by the user, for status reporting.
func (s *SyncService) ListStates(ctx context.Context, userID string) ([]*models.SyncState, error) {
	return s.repomanager.SyncStates(s.db).ListByUser(ctx, userID)
}

// Resolve settles a pending conflict. The adopted payload and the version it
// settles at depend on the resolution:
//
//	local_wins  — adopt local_data at the state's local_version
//	remote_wins — adopt remote_data at the state's remote_version
//	merged      — adopt the caller-supplied ciphertext at
//	              max(local_version, remote_version)+1, marking a state
//	              distinct from either side
//
// A conflict resolves exactly once: resolving a non-pending conflict fails
// with ErrInvalidResolution. The conflict row is claimed before the payload
// is written, so a storage failure rolls the whole resolution back.
func (s *SyncService) Resolve(ctx context.Context, userID, conflictID string, resolution models.ConflictResolution, resolvedData string) error {
	switch resolution {
	case models.ResolutionLocalWins, models.ResolutionRemoteWins:
	case models.ResolutionMerged:
		if resolvedData == "" {
			return fmt.Errorf("%w: merged resolution requires resolved data", common.ErrInvalidResolution)
		}
	default:
		return fmt.Errorf("%w: %q", common.ErrInvalidResolution, resolution)
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		conflictRepo := s.repomanager.Conflicts(tx)

		conflict, err := conflictRepo.GetByID(ctx, conflictID, userID)
		if err != nil {
			return err
		}
		if conflict.Resolution != models.ResolutionPending {
			return fmt.Errorf("%w: conflict already resolved as %s", common.ErrInvalidResolution, conflict.Resolution)
		}

		state, err := s.repomanager.SyncStates(tx).GetByID(ctx, conflict.SyncStateID)
		if err != nil {
			return fmt.Errorf("error loading sync state: %w", err)
		}

		var adopted string
		var newVersion int64
		stored := sql.NullString{}
		switch resolution {
		case models.ResolutionLocalWins:
			adopted = conflict.LocalData
			newVersion = state.LocalVersion
		case models.ResolutionRemoteWins:
			adopted = conflict.RemoteData
			newVersion = state.RemoteVersion
		case models.ResolutionMerged:
			adopted = resolvedData
			newVersion = max(state.LocalVersion, state.RemoteVersion) + 1
			stored = sql.NullString{String: resolvedData, Valid: true}
		}

		if err := conflictRepo.Resolve(ctx, conflictID, resolution, stored, userID); err != nil {
			return err
		}

		etag, err := s.store.Put(ctx, state.StoragePath, adopted, state.StorageEtag.String)
		if err != nil {
			return fmt.Errorf("%w: storing resolved payload: %v", common.ErrTransport, err)
		}
		if err := s.repomanager.SyncStates(tx).AdvanceOnAccept(ctx, state.ID, newVersion, cryptox.Checksum([]byte(adopted)), etag); err != nil {
			return fmt.Errorf("error settling sync state: %w", err)
		}
		return nil
	})
}
