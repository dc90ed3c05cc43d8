package repomanager

import (
	"context"
	"database/sql"

	"github.com/avolkoff/savesync/internal/dbx"
	"github.com/avolkoff/savesync/internal/server/migrations"
	"github.com/avolkoff/savesync/internal/server/repositories/backups"
	"github.com/avolkoff/savesync/internal/server/repositories/saves"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type PostgresRepositoryManager struct {
}

func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}

func (m *PostgresRepositoryManager) Saves(db dbx.DBTX) saves.Repository {
	return saves.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Backups(db dbx.DBTX) backups.Repository {
	return backups.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return err
	}

	return nil
}
