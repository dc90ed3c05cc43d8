// Package backups provides the PostgreSQL-backed repository for backup rows.
package backups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/dbx"
	"github.com/avolkoff/savesync/internal/server/models"
)

const backupColumns = `id, save_id, owner_id, slot_id, revision, reason,
	data, checksum, data_size, storage_key, created_at, expires_at`

// PostgresRepository implements backup storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, backup *models.BackupRecord) error {
	query := `
		INSERT INTO backups (` + backupColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`

	_, err := r.db.ExecContext(ctx, query,
		backup.ID, backup.SaveID, backup.OwnerID, backup.SlotID, backup.Revision, backup.Reason,
		backup.Data, backup.Checksum, backup.DataSize, backup.StorageKey, backup.CreatedAt, backup.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.BackupRecord, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE id = $1;`

	backup := &models.BackupRecord{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&backup.ID, &backup.SaveID, &backup.OwnerID, &backup.SlotID, &backup.Revision, &backup.Reason,
		&backup.Data, &backup.Checksum, &backup.DataSize, &backup.StorageKey, &backup.CreatedAt, &backup.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return backup, nil
}

func (r *PostgresRepository) ListBySlot(ctx context.Context, ownerID string, slotID int) ([]*models.BackupRecord, error) {
	query := `SELECT ` + backupColumns + ` FROM backups
		WHERE owner_id = $1 AND slot_id = $2 ORDER BY created_at DESC;`

	rows, err := r.db.QueryContext(ctx, query, ownerID, slotID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.BackupRecord
	for rows.Next() {
		backup := &models.BackupRecord{}
		err := rows.Scan(
			&backup.ID, &backup.SaveID, &backup.OwnerID, &backup.SlotID, &backup.Revision, &backup.Reason,
			&backup.Data, &backup.Checksum, &backup.DataSize, &backup.StorageKey, &backup.CreatedAt, &backup.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, backup)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return result, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM backups WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return common.ErrNotFound
	}

	return nil
}

func (r *PostgresRepository) PruneSlot(ctx context.Context, ownerID string, slotID int, keep int) (int64, error) {
	query := `
		DELETE FROM backups
		WHERE owner_id = $1 AND slot_id = $2 AND id NOT IN (
			SELECT id FROM backups
			WHERE owner_id = $1 AND slot_id = $2
			ORDER BY created_at DESC
			LIMIT $3
		);
	`

	res, err := r.db.ExecContext(ctx, query, ownerID, slotID, keep)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return affected, nil
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM backups WHERE expires_at <= $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return affected, nil
}

func (r *PostgresRepository) SetStorageKey(ctx context.Context, id string, key string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE backups SET storage_key = $2 WHERE id = $1;`, id, key)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
