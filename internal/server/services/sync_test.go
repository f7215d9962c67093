package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envsync/envsync/internal/common"
	"github.com/envsync/envsync/internal/dbx"
	"github.com/envsync/envsync/internal/server/models"
	"github.com/envsync/envsync/internal/server/remote"
	conflictsrepo "github.com/envsync/envsync/internal/server/repositories/conflicts"
	refreshtokensrepo "github.com/envsync/envsync/internal/server/repositories/refreshtokens"
	syncstatesrepo "github.com/envsync/envsync/internal/server/repositories/syncstates"
	usersrepo "github.com/envsync/envsync/internal/server/repositories/users"
)

// --- stateful fakes ---

// fakeStatesRepo keeps sync states in memory and applies the same version
// arithmetic as the postgres implementation.
type fakeStatesRepo struct {
	states map[string]*models.SyncState // keyed by id
	nextID int

	getOrCreateErr error
	advanceErr     error
}

func newFakeStatesRepo() *fakeStatesRepo {
	return &fakeStatesRepo{states: map[string]*models.SyncState{}}
}

func (f *fakeStatesRepo) key(userID, entityType, entityID string) string {
	return userID + "/" + entityType + "/" + entityID
}

func (f *fakeStatesRepo) GetOrCreate(ctx context.Context, userID, entityType, entityID, storagePath string) (*models.SyncState, error) {
	if f.getOrCreateErr != nil {
		return nil, f.getOrCreateErr
	}
	for _, st := range f.states {
		if st.UserID == userID && st.EntityType == entityType && st.EntityID == entityID {
			cp := *st
			return &cp, nil
		}
	}
	f.nextID++
	st := &models.SyncState{
		ID:          fmt.Sprintf("st%d", f.nextID),
		UserID:      userID,
		EntityType:  entityType,
		EntityID:    entityID,
		Status:      models.SyncStatusPending,
		StoragePath: storagePath,
	}
	f.states[st.ID] = st
	cp := *st
	return &cp, nil
}

func (f *fakeStatesRepo) GetByID(ctx context.Context, id string) (*models.SyncState, error) {
	st, ok := f.states[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStatesRepo) AdvanceOnAccept(ctx context.Context, id string, newVersion int64, newHash string, etag string) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	st, ok := f.states[id]
	if !ok {
		return common.ErrorNotFound
	}
	st.LocalVersion = newVersion
	if newVersion > st.RemoteVersion {
		st.RemoteVersion = newVersion
	}
	st.BaseVersion = newVersion
	st.LocalHash = sql.NullString{String: newHash, Valid: true}
	st.RemoteHash = sql.NullString{String: newHash, Valid: true}
	st.StorageEtag = sql.NullString{String: etag, Valid: etag != ""}
	st.Status = models.SyncStatusSynced
	st.LastSyncAt = sql.NullTime{Time: time.Now(), Valid: true}
	st.LastSyncError = sql.NullString{}
	return nil
}

func (f *fakeStatesRepo) MarkConflict(ctx context.Context, id string) error {
	st, ok := f.states[id]
	if !ok {
		return common.ErrorNotFound
	}
	st.Status = models.SyncStatusConflict
	return nil
}

func (f *fakeStatesRepo) MarkError(ctx context.Context, id string, message string) error {
	st, ok := f.states[id]
	if !ok {
		return common.ErrorNotFound
	}
	st.Status = models.SyncStatusError
	st.LastSyncError = sql.NullString{String: message, Valid: true}
	return nil
}

func (f *fakeStatesRepo) ListByUser(ctx context.Context, userID string) ([]*models.SyncState, error) {
	var out []*models.SyncState
	for _, st := range f.states {
		if st.UserID == userID {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

// seed installs a state with the given counters, as if earlier syncs had run.
func (f *fakeStatesRepo) seed(userID, entityType, entityID string, local, remoteV, base int64) *models.SyncState {
	f.nextID++
	st := &models.SyncState{
		ID:            fmt.Sprintf("st%d", f.nextID),
		UserID:        userID,
		EntityType:    entityType,
		EntityID:      entityID,
		LocalVersion:  local,
		RemoteVersion: remoteV,
		BaseVersion:   base,
		Status:        models.SyncStatusSynced,
		StoragePath:   userID + "/" + entityType + "/" + entityID,
	}
	f.states[st.ID] = st
	return st
}

type fakeConflictsRepo struct {
	conflicts map[string]*models.SyncConflict
	nextID    int

	createErr error
}

func newFakeConflictsRepo() *fakeConflictsRepo {
	return &fakeConflictsRepo{conflicts: map[string]*models.SyncConflict{}}
}

func (f *fakeConflictsRepo) Create(ctx context.Context, c *models.SyncConflict) (*models.SyncConflict, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, existing := range f.conflicts {
		if existing.SyncStateID == c.SyncStateID && existing.Resolution == models.ResolutionPending {
			cp := *existing
			return &cp, nil
		}
	}
	f.nextID++
	c.ID = fmt.Sprintf("c%d", f.nextID)
	c.Resolution = models.ResolutionPending
	c.DetectedAt = time.Now()
	f.conflicts[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeConflictsRepo) GetByID(ctx context.Context, id string, userID string) (*models.SyncConflict, error) {
	c, ok := f.conflicts[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConflictsRepo) ListPendingByUser(ctx context.Context, userID string) ([]*conflictsrepo.PendingConflict, error) {
	var out []*conflictsrepo.PendingConflict
	for _, c := range f.conflicts {
		if c.Resolution == models.ResolutionPending {
			out = append(out, &conflictsrepo.PendingConflict{
				ID:         c.ID,
				LocalData:  c.LocalData,
				RemoteData: c.RemoteData,
				DetectedAt: c.DetectedAt,
			})
		}
	}
	return out, nil
}

func (f *fakeConflictsRepo) Resolve(ctx context.Context, id string, resolution models.ConflictResolution, resolvedData sql.NullString, resolvedByID string) error {
	c, ok := f.conflicts[id]
	if !ok {
		return common.ErrorNotFound
	}
	if c.Resolution != models.ResolutionPending {
		return common.ErrInvalidResolution
	}
	c.Resolution = resolution
	c.ResolvedData = resolvedData
	c.ResolvedByID = sql.NullString{String: resolvedByID, Valid: true}
	c.ResolvedAt = sql.NullTime{Time: time.Now(), Valid: true}
	return nil
}

type fakeSyncRepoManager struct {
	states    *fakeStatesRepo
	conflicts *fakeConflictsRepo
}

func (m *fakeSyncRepoManager) RunMigrations(context.Context, *sql.DB) error          { return nil }
func (m *fakeSyncRepoManager) Users(db dbx.DBTX) usersrepo.Repository                { return nil }
func (m *fakeSyncRepoManager) RefreshTokens(db dbx.DBTX) refreshtokensrepo.Repository {
	return nil
}
func (m *fakeSyncRepoManager) SyncStates(db dbx.DBTX) syncstatesrepo.Repository {
	return m.states
}
func (m *fakeSyncRepoManager) Conflicts(db dbx.DBTX) conflictsrepo.Repository { return m.conflicts }

// failingStore wraps a store and fails every Put.
type failingStore struct{ remote.RemoteStore }

func (f *failingStore) Put(ctx context.Context, path, blob, etag string) (string, error) {
	return "", errors.New("connection refused")
}

func newSyncFixture(t *testing.T) (*SyncService, *fakeStatesRepo, *fakeConflictsRepo, *remote.InMemoryStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	states := newFakeStatesRepo()
	confl := newFakeConflictsRepo()
	store := remote.NewInMemoryStore()
	svc := NewSyncService(db, &fakeSyncRepoManager{states: states, conflicts: confl}, store)
	return svc, states, confl, store, mock
}

// --- push ---

func TestPush_FreshEntityAccepted(t *testing.T) {
	svc, states, _, store, mock := newSyncFixture(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.Push(context.Background(), "u1", &PushRequest{
		EntityType:          "env",
		EntityID:            "e1",
		Payload:             "b64payload",
		ClaimedLocalVersion: 1,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, int64(1), res.Version)

	st, err := states.GetByID(context.Background(), "st1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.LocalVersion)
	assert.Equal(t, int64(1), st.RemoteVersion)
	assert.Equal(t, int64(1), st.BaseVersion)
	assert.Equal(t, models.SyncStatusSynced, st.Status)

	blob, _, err := store.Get(context.Background(), "u1/env/e1")
	require.NoError(t, err)
	assert.Equal(t, "b64payload", blob)
}

func TestPush_StaleBasisProducesConflict(t *testing.T) {
	svc, states, confl, store, mock := newSyncFixture(t)
	st := states.seed("u1", "env", "e1", 5, 7, 5)
	_, err := store.Put(context.Background(), st.StoragePath, "remote-blob", "")
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.Push(context.Background(), "u1", &PushRequest{
		EntityType:          "env",
		EntityID:            "e1",
		Payload:             "local-blob",
		ClaimedLocalVersion: 5,
	})
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.NotEmpty(t, res.ConflictID)

	c, err := confl.GetByID(context.Background(), res.ConflictID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "local-blob", c.LocalData)
	assert.Equal(t, "remote-blob", c.RemoteData)
	assert.Equal(t, models.ResolutionPending, c.Resolution)

	got, err := states.GetByID(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusConflict, got.Status)
	// counters untouched until resolution
	assert.Equal(t, int64(5), got.BaseVersion)
	assert.Equal(t, int64(7), got.RemoteVersion)
}

func TestPush_AdvancedBasisAccepted(t *testing.T) {
	svc, states, _, _, mock := newSyncFixture(t)
	st := states.seed("u1", "env", "e1", 5, 5, 5)
	mock.ExpectBegin()
	mock.ExpectCommit()

	res, err := svc.Push(context.Background(), "u1", &PushRequest{
		EntityType:          "env",
		EntityID:            "e1",
		Payload:             "v6",
		ClaimedLocalVersion: 6,
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, int64(6), res.Version)

	got, err := states.GetByID(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.LocalVersion)
	assert.Equal(t, int64(6), got.RemoteVersion)
	assert.Equal(t, int64(6), got.BaseVersion)
}

func TestPush_DuplicatePendingConflictReturned(t *testing.T) {
	svc, states, _, _, mock := newSyncFixture(t)
	states.seed("u1", "env", "e1", 5, 7, 5)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	req := &PushRequest{EntityType: "env", EntityID: "e1", Payload: "p", ClaimedLocalVersion: 5}
	first, err := svc.Push(context.Background(), "u1", req)
	require.NoError(t, err)
	second, err := svc.Push(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, first.ConflictID, second.ConflictID)
}

func TestPush_StorePutFailureMarksError(t *testing.T) {
	svc, states, _, _, mock := newSyncFixture(t)
	svc.store = &failingStore{}
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Push(context.Background(), "u1", &PushRequest{
		EntityType:          "env",
		EntityID:            "e1",
		Payload:             "p",
		ClaimedLocalVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTransport))

	st, err := states.GetByID(context.Background(), "st1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, st.Status)
	assert.True(t, st.LastSyncError.Valid)
	// counters not corrupted, retry remains possible
	assert.Equal(t, int64(0), st.LocalVersion)
	assert.Equal(t, int64(0), st.BaseVersion)
}

func TestPush_ChecksumMismatchRejected(t *testing.T) {
	svc, _, _, _, _ := newSyncFixture(t)

	_, err := svc.Push(context.Background(), "u1", &PushRequest{
		EntityType:          "env",
		EntityID:            "e1",
		Payload:             "p",
		ClaimedLocalVersion: 1,
		Checksum:            "not-the-checksum",
	})
	require.Error(t, err)
}

func TestPushBatch_FailureDoesNotAbortBatch(t *testing.T) {
	svc, states, _, _, mock := newSyncFixture(t)
	// first entity fails in GetOrCreate, second succeeds
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	states.getOrCreateErr = errors.New("boom")
	bad := &PushRequest{EntityType: "env", EntityID: "bad", Payload: "p", ClaimedLocalVersion: 1}
	good := &PushRequest{EntityType: "env", EntityID: "good", Payload: "p", ClaimedLocalVersion: 1}

	results, errs := svc.PushBatch(context.Background(), "u1", []*PushRequest{bad})
	require.Len(t, errs, 1)
	require.Empty(t, results)
	assert.Equal(t, "bad", errs[0].EntityID)

	states.getOrCreateErr = nil
	results, errs = svc.PushBatch(context.Background(), "u1", []*PushRequest{good})
	require.Empty(t, errs)
	require.Len(t, results, 1)
	assert.True(t, results[0].Accepted)
}

// --- pull ---

func TestPull_OnlyNewerVersionsReturned(t *testing.T) {
	svc, states, _, store, mock := newSyncFixture(t)
	ahead := states.seed("u1", "env", "ahead", 3, 3, 3)
	states.seed("u1", "env", "parity", 2, 2, 2)
	_, err := store.Put(context.Background(), ahead.StoragePath, "blob-v3", "")
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	updates, errs := svc.Pull(context.Background(), "u1", []PullItem{
		{EntityType: "env", EntityID: "ahead", KnownVersion: 1},
		{EntityType: "env", EntityID: "parity", KnownVersion: 2},
	})
	require.Empty(t, errs)
	require.Len(t, updates, 1)
	assert.Equal(t, "ahead", updates[0].EntityID)
	assert.Equal(t, int64(3), updates[0].Version)
	assert.Equal(t, "blob-v3", updates[0].Payload)
}

func TestPull_StoreFailureIsPerEntity(t *testing.T) {
	svc, states, _, store, mock := newSyncFixture(t)
	// blob missing for "broken", present for "ok"
	states.seed("u1", "env", "broken", 2, 2, 2)
	ok := states.seed("u1", "env", "ok", 2, 2, 2)
	_, err := store.Put(context.Background(), ok.StoragePath, "ok-blob", "")
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	updates, errs := svc.Pull(context.Background(), "u1", []PullItem{
		{EntityType: "env", EntityID: "broken", KnownVersion: 0},
		{EntityType: "env", EntityID: "ok", KnownVersion: 0},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, "broken", errs[0].EntityID)
	assert.True(t, errors.Is(errs[0].Err, common.ErrTransport))
	require.Len(t, updates, 1)
	assert.Equal(t, "ok-blob", updates[0].Payload)
}

// --- resolve ---

func TestResolve_LocalWins(t *testing.T) {
	svc, states, confl, store, mock := newSyncFixture(t)
	st := states.seed("u1", "env", "e1", 6, 8, 5)
	states.states[st.ID].Status = models.SyncStatusConflict
	c, err := confl.Create(context.Background(), &models.SyncConflict{
		SyncStateID: st.ID, LocalData: "local-blob", RemoteData: "remote-blob",
	})
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err = svc.Resolve(context.Background(), "u1", c.ID, models.ResolutionLocalWins, "")
	require.NoError(t, err)

	got, err := states.GetByID(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.Status)
	assert.Equal(t, int64(6), got.BaseVersion)
	// remote never decreases even when local wins at a lower number
	assert.Equal(t, int64(8), got.RemoteVersion)

	blob, _, err := store.Get(context.Background(), st.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, "local-blob", blob)

	resolved, err := confl.GetByID(context.Background(), c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionLocalWins, resolved.Resolution)
	assert.True(t, resolved.ResolvedAt.Valid)
}

func TestResolve_RemoteWins(t *testing.T) {
	svc, states, confl, store, mock := newSyncFixture(t)
	st := states.seed("u1", "env", "e1", 6, 8, 5)
	c, err := confl.Create(context.Background(), &models.SyncConflict{
		SyncStateID: st.ID, LocalData: "local-blob", RemoteData: "remote-blob",
	})
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err = svc.Resolve(context.Background(), "u1", c.ID, models.ResolutionRemoteWins, "")
	require.NoError(t, err)

	got, err := states.GetByID(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.BaseVersion)
	assert.Equal(t, int64(8), got.LocalVersion)

	blob, _, err := store.Get(context.Background(), st.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, "remote-blob", blob)
}

func TestResolve_MergedBumpsPastBothSides(t *testing.T) {
	svc, states, confl, store, mock := newSyncFixture(t)
	st := states.seed("u1", "env", "e1", 6, 8, 5)
	c, err := confl.Create(context.Background(), &models.SyncConflict{
		SyncStateID: st.ID, LocalData: "l", RemoteData: "r",
	})
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err = svc.Resolve(context.Background(), "u1", c.ID, models.ResolutionMerged, "merged-blob")
	require.NoError(t, err)

	got, err := states.GetByID(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.BaseVersion)
	assert.Equal(t, int64(9), got.LocalVersion)
	assert.Equal(t, int64(9), got.RemoteVersion)

	blob, _, err := store.Get(context.Background(), st.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, "merged-blob", blob)
}

func TestResolve_MergedRequiresData(t *testing.T) {
	svc, _, _, _, _ := newSyncFixture(t)
	err := svc.Resolve(context.Background(), "u1", "c1", models.ResolutionMerged, "")
	assert.True(t, errors.Is(err, common.ErrInvalidResolution))
}

func TestResolve_SecondAttemptFails(t *testing.T) {
	svc, states, confl, _, mock := newSyncFixture(t)
	st := states.seed("u1", "env", "e1", 6, 8, 5)
	c, err := confl.Create(context.Background(), &models.SyncConflict{
		SyncStateID: st.ID, LocalData: "l", RemoteData: "r",
	})
	require.NoError(t, err)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	require.NoError(t, svc.Resolve(context.Background(), "u1", c.ID, models.ResolutionLocalWins, ""))
	err = svc.Resolve(context.Background(), "u1", c.ID, models.ResolutionRemoteWins, "")
	assert.True(t, errors.Is(err, common.ErrInvalidResolution))
}

func TestResolve_UnknownResolutionRejected(t *testing.T) {
	svc, _, _, _, _ := newSyncFixture(t)
	err := svc.Resolve(context.Background(), "u1", "c1", models.ResolutionManual, "")
	assert.True(t, errors.Is(err, common.ErrInvalidResolution))
	err = svc.Resolve(context.Background(), "u1", "c1", models.ConflictResolution("junk"), "")
	assert.True(t, errors.Is(err, common.ErrInvalidResolution))
}

func TestResolve_UnknownConflict(t *testing.T) {
	svc, _, _, _, mock := newSyncFixture(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	err := svc.Resolve(context.Background(), "u1", "nope", models.ResolutionLocalWins, "")
	assert.True(t, errors.Is(err, common.ErrorNotFound))
}
