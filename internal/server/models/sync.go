package models

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncStatus is the per-entity synchronization state.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusConflict, SyncStatusError:
		return true
	}
	return false
}

// ConflictResolution is the terminal decision recorded on a SyncConflict.
type ConflictResolution string

const (
	ResolutionPending    ConflictResolution = "pending"
	ResolutionLocalWins  ConflictResolution = "local_wins"
	ResolutionRemoteWins ConflictResolution = "remote_wins"
	ResolutionMerged     ConflictResolution = "merged"
	ResolutionManual     ConflictResolution = "manual"
)

// Valid reports whether r is one of the known resolutions.
func (r ConflictResolution) Valid() bool {
	switch r {
	case ResolutionPending, ResolutionLocalWins, ResolutionRemoteWins, ResolutionMerged, ResolutionManual:
		return true
	}
	return false
}

// Terminal reports whether r settles a conflict. Pending is the only
// non-terminal value; a conflict transitions to a terminal value exactly once.
func (r ConflictResolution) Terminal() bool {
	return r.Valid() && r != ResolutionPending
}

// ParseResolution converts a wire string into a ConflictResolution.
func ParseResolution(s string) (ConflictResolution, error) {
	r := ConflictResolution(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown resolution %q", s)
	}
	return r, nil
}

// SyncState tracks version and hash bookkeeping for one syncable entity
// owned by one user. BaseVersion is the last version both sides are known
// to have agreed on; the invariant BaseVersion <= LocalVersion and
// BaseVersion <= RemoteVersion holds at all times, and RemoteVersion never
// decreases.
type SyncState struct {
	ID         string
	UserID     string
	EntityType string
	EntityID   string

	LocalVersion  int64
	RemoteVersion int64
	BaseVersion   int64

	LocalHash  sql.NullString
	RemoteHash sql.NullString

	Status SyncStatus

	// Location of the current remote payload in the remote store.
	StoragePath string
	StorageEtag sql.NullString

	LastLocalChange  sql.NullTime
	LastRemoteChange sql.NullTime
	LastSyncAt       sql.NullTime
	LastSyncError    sql.NullString
}

// SyncConflict records one detected divergence. Both sides are opaque
// ciphertext; terminal rows are retained for audit, never deleted.
type SyncConflict struct {
	ID          string
	SyncStateID string

	LocalData  string
	RemoteData string
	BaseData   sql.NullString

	Resolution   ConflictResolution
	ResolvedData sql.NullString
	ResolvedByID sql.NullString

	DetectedAt time.Time
	ResolvedAt sql.NullTime
}
