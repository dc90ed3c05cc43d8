// Package server initializes and runs the save engine: it wires the database,
// repositories, object storage and services together, and drives the
// background maintenance loop with graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/avolkoff/savesync/internal/logging"
	"github.com/avolkoff/savesync/internal/schema"
	"github.com/avolkoff/savesync/internal/server/blobstore"
	"github.com/avolkoff/savesync/internal/server/config"
	"github.com/avolkoff/savesync/internal/server/repositories/repomanager"
	"github.com/avolkoff/savesync/internal/server/services"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	Saves    *services.SaveService
	Backups  *services.BackupService
	Sync     *services.SyncService
	AutoSave *services.AutoSaveService
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("db migration error: %w", err)
	}

	var blob services.BlobStore
	if cfg.S3Enabled {
		blob = blobstore.NewS3Store(cfg)
	}

	backups := services.NewBackupService(db, repos, cfg, blob, logger)
	saves, err := services.NewSaveService(db, repos, cfg, backups, schema.NewMigrator(logger), logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	syncSvc := services.NewSyncService(db, repos, cfg, saves, backups, logger)
	autoSave := services.NewAutoSaveService(saves, cfg, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		Saves:    saves,
		Backups:  backups,
		Sync:     syncSvc,
		AutoSave: autoSave,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runMaintenanceLoop flushes queued auto-saves and sweeps expired backups on
// every tick until the context is cancelled.
func (app *App) runMaintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(app.config.MaintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.AutoSave.Flush(ctx)
			if _, err := app.Backups.SweepExpired(ctx); err != nil {
				app.logger.Error(ctx, "backup sweep failed", "error", err)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runMaintenanceLoop(ctx)
	}()

	wg.Wait()

	// drain whatever the game loop queued before the signal arrived
	flushCtx := context.Background()
	app.AutoSave.Flush(flushCtx)

	if err := app.db.Close(); err != nil {
		app.logger.Error(flushCtx, "db close error", "error", err)
	}

	app.logger.Info(flushCtx, "Shutdown complete")
}
