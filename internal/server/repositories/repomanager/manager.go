package repomanager

import (
	"context"
	"database/sql"

	"github.com/envsync/envsync/internal/dbx"
	"github.com/envsync/envsync/internal/server/repositories/conflicts"
	"github.com/envsync/envsync/internal/server/repositories/refreshtokens"
	"github.com/envsync/envsync/internal/server/repositories/syncstates"
	"github.com/envsync/envsync/internal/server/repositories/users"
)

// RepositoryManager vends repository implementations bound to a DBTX, so a
// service can run several repositories inside one transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	SyncStates(db dbx.DBTX) syncstates.Repository
	Conflicts(db dbx.DBTX) conflicts.Repository
}
