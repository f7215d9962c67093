package conflicts

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/envsync/envsync/internal/common"
	"github.com/envsync/envsync/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestCreate_NewConflict(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`(?s)^\s*INSERT\s+INTO\s+sync_conflicts\s*\(sync_state_id,\s*local_data,\s*remote_data,\s*base_data\)`).
		WithArgs("st1", "local-blob", "remote-blob", sql.NullString{}).
		WillReturnRows(sqlmock.NewRows([]string{"id", "detected_at"}).AddRow("c1", now))

	got, err := repo.Create(context.Background(), &models.SyncConflict{
		SyncStateID: "st1", LocalData: "local-blob", RemoteData: "remote-blob",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.ID != "c1" || got.Resolution != models.ResolutionPending {
		t.Fatalf("unexpected conflict: %+v", got)
	}
}

func TestCreate_ExistingPendingReturned(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	// insert skipped by the partial unique index
	mock.ExpectQuery(`(?s)^\s*INSERT\s+INTO\s+sync_conflicts`).
		WithArgs("st1", "new-local", "new-remote", sql.NullString{}).
		WillReturnError(sql.ErrNoRows)

	existing := sqlmock.NewRows([]string{
		"id", "sync_state_id", "local_data", "remote_data", "base_data", "resolution", "detected_at",
	}).AddRow("c-old", "st1", "old-local", "old-remote", nil, "pending", time.Now())
	mock.ExpectQuery(`(?s)^\s*SELECT\s+id,\s*sync_state_id,.*WHERE\s+sync_state_id\s*=\s*\$1\s+AND\s+resolution\s*=\s*'pending'`).
		WithArgs("st1").
		WillReturnRows(existing)

	got, err := repo.Create(context.Background(), &models.SyncConflict{
		SyncStateID: "st1", LocalData: "new-local", RemoteData: "new-remote",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.ID != "c-old" || got.LocalData != "old-local" {
		t.Fatalf("expected existing pending conflict, got %+v", got)
	}
}

func TestGetByID_ScopedToUser(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`(?s)^\s*SELECT\s+c\.id,.*JOIN\s+sync_states\s+s\s+ON\s+s\.id\s*=\s*c\.sync_state_id\s+WHERE\s+c\.id\s*=\s*\$1\s+AND\s+s\.user_id\s*=\s*\$2`).
		WithArgs("c1", "other-user").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "c1", "other-user")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected common.ErrorNotFound, got %v", err)
	}
}

func TestListPendingByUser_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "entity_type", "entity_id", "local_data", "remote_data", "detected_at"}).
		AddRow("c1", "env", "e1", "l1", "r1", time.Now()).
		AddRow("c2", "env", "e2", "l2", "r2", time.Now())
	mock.ExpectQuery(`(?s)^\s*SELECT\s+c\.id,\s*s\.entity_type,.*AND\s+c\.resolution\s*=\s*'pending'`).
		WithArgs("u1").
		WillReturnRows(rows)

	got, err := repo.ListPendingByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListPendingByUser error: %v", err)
	}
	if len(got) != 2 || got[0].EntityID != "e1" {
		t.Fatalf("unexpected conflicts: %+v", got)
	}
}

func TestResolve_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^\s*UPDATE\s+sync_conflicts\s+SET\s+resolution\s*=\s*\$2,.*WHERE\s+id\s*=\s*\$1\s+AND\s+resolution\s*=\s*'pending'`).
		WithArgs("c1", models.ResolutionLocalWins, sql.NullString{}, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Resolve(context.Background(), "c1", models.ResolutionLocalWins, sql.NullString{}, "u1")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
}

func TestResolve_AlreadyTerminal(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^\s*UPDATE\s+sync_conflicts\s+SET\s+resolution`).
		WithArgs("c1", models.ResolutionRemoteWins, sql.NullString{}, "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)^SELECT\s+EXISTS`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.Resolve(context.Background(), "c1", models.ResolutionRemoteWins, sql.NullString{}, "u1")
	if !errors.Is(err, common.ErrInvalidResolution) {
		t.Fatalf("expected common.ErrInvalidResolution, got %v", err)
	}
}

func TestResolve_Missing(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^\s*UPDATE\s+sync_conflicts\s+SET\s+resolution`).
		WithArgs("nope", models.ResolutionMerged, sql.NullString{String: "m", Valid: true}, "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)^SELECT\s+EXISTS`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.Resolve(context.Background(), "nope", models.ResolutionMerged, sql.NullString{String: "m", Valid: true}, "u1")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected common.ErrorNotFound, got %v", err)
	}
}
