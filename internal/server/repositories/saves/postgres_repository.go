// Package saves provides the PostgreSQL-backed repository for save rows.
package saves

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/dbx"
	"github.com/avolkoff/savesync/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const saveColumns = `id, owner_id, slot_id, save_type, schema_version, revision, metadata,
	ciphertext, checksum_algorithm, checksum,
	compression_algorithm, original_size, compressed_size,
	encryption_algorithm, iv, auth_tag, plaintext,
	sync_status, last_modified_at, last_synced_at,
	is_corrupted, corruption_reason, load_count, save_count, created_at`

// PostgresRepository implements save storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, save *models.SaveRecord) error {
	metadata, err := json.Marshal(save.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO saves (` + saveColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25);
	`

	_, err = r.db.ExecContext(ctx, query,
		save.ID, save.OwnerID, save.SlotID, save.SaveType, save.SchemaVersion, save.Revision, metadata,
		save.Ciphertext, save.ChecksumAlgorithm, save.Checksum,
		save.CompressionAlgorithm, save.OriginalSize, save.CompressedSize,
		save.EncryptionAlgorithm, save.IV, save.AuthTag, save.Plaintext,
		save.SyncStatus, save.LastModifiedAt, save.LastSyncedAt,
		save.IsCorrupted, save.CorruptionReason, save.LoadCount, save.SaveCount, save.CreatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: slot %d already occupied", common.ErrValidation, save.SlotID)
		}
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, save *models.SaveRecord, expectedRevision int64) error {
	metadata, err := json.Marshal(save.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		UPDATE saves SET
			save_type = $1, schema_version = $2, revision = $3, metadata = $4,
			ciphertext = $5, checksum_algorithm = $6, checksum = $7,
			compression_algorithm = $8, original_size = $9, compressed_size = $10,
			encryption_algorithm = $11, iv = $12, auth_tag = $13, plaintext = $14,
			sync_status = $15, last_modified_at = $16, last_synced_at = $17,
			is_corrupted = $18, corruption_reason = $19, load_count = $20, save_count = $21
		WHERE owner_id = $22 AND slot_id = $23 AND revision = $24;
	`

	res, err := r.db.ExecContext(ctx, query,
		save.SaveType, save.SchemaVersion, save.Revision, metadata,
		save.Ciphertext, save.ChecksumAlgorithm, save.Checksum,
		save.CompressionAlgorithm, save.OriginalSize, save.CompressedSize,
		save.EncryptionAlgorithm, save.IV, save.AuthTag, save.Plaintext,
		save.SyncStatus, save.LastModifiedAt, save.LastSyncedAt,
		save.IsCorrupted, save.CorruptionReason, save.LoadCount, save.SaveCount,
		save.OwnerID, save.SlotID, expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: revision %d is stale", common.ErrConflict, expectedRevision)
	}

	return nil
}

func (r *PostgresRepository) GetByOwnerSlot(ctx context.Context, ownerID string, slotID int) (*models.SaveRecord, error) {
	query := `SELECT ` + saveColumns + ` FROM saves WHERE owner_id = $1 AND slot_id = $2;`

	save, err := scanSave(r.db.QueryRowContext(ctx, query, ownerID, slotID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return save, nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.SaveRecord, error) {
	query := `SELECT ` + saveColumns + ` FROM saves WHERE owner_id = $1 ORDER BY slot_id;`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.SaveRecord
	for rows.Next() {
		save, err := scanSave(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, save)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return result, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, ownerID string, slotID int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM saves WHERE owner_id = $1 AND slot_id = $2;`, ownerID, slotID)
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

func (r *PostgresRepository) IncrementLoadCount(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE saves SET load_count = load_count + 1 WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkCorrupted(ctx context.Context, id string, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE saves SET is_corrupted = TRUE, corruption_reason = $2 WHERE id = $1;`, id, reason)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetSyncStatus(ctx context.Context, id string, status models.SyncStatus, lastSyncedAt *time.Time) error {
	var err error
	if lastSyncedAt != nil {
		_, err = r.db.ExecContext(ctx,
			`UPDATE saves SET sync_status = $2, last_synced_at = $3 WHERE id = $1;`, id, status, *lastSyncedAt)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE saves SET sync_status = $2 WHERE id = $1;`, id, status)
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// row is the subset of *sql.Row / *sql.Rows used by scanSave.
type row interface {
	Scan(dest ...any) error
}

func scanSave(r row) (*models.SaveRecord, error) {
	save := &models.SaveRecord{}
	var metadata []byte
	var lastSyncedAt sql.NullTime

	err := r.Scan(
		&save.ID, &save.OwnerID, &save.SlotID, &save.SaveType, &save.SchemaVersion, &save.Revision, &metadata,
		&save.Ciphertext, &save.ChecksumAlgorithm, &save.Checksum,
		&save.CompressionAlgorithm, &save.OriginalSize, &save.CompressedSize,
		&save.EncryptionAlgorithm, &save.IV, &save.AuthTag, &save.Plaintext,
		&save.SyncStatus, &save.LastModifiedAt, &lastSyncedAt,
		&save.IsCorrupted, &save.CorruptionReason, &save.LoadCount, &save.SaveCount, &save.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &save.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		save.LastSyncedAt = &t
	}

	return save, nil
}
