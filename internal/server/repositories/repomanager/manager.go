// Package repomanager wires repository implementations to database handles
// and owns schema migration at startup.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/avolkoff/savesync/internal/dbx"
	"github.com/avolkoff/savesync/internal/server/repositories/backups"
	"github.com/avolkoff/savesync/internal/server/repositories/saves"
)

type RepositoryManager interface {
	Saves(db dbx.DBTX) saves.Repository
	Backups(db dbx.DBTX) backups.Repository
	RunMigrations(ctx context.Context, db *sql.DB) error
}
