package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/cryptox"
	"github.com/avolkoff/savesync/internal/dbx"
	"github.com/avolkoff/savesync/internal/logging"
	"github.com/avolkoff/savesync/internal/server/blobstore"
	sc "github.com/avolkoff/savesync/internal/server/config"
	"github.com/avolkoff/savesync/internal/server/models"
	"github.com/avolkoff/savesync/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// BlobStore is the object-storage surface used for backup offload. Nil
// disables offloading.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	PresignDownload(ctx context.Context, key string) (string, error)
}

var _ BlobStore = (*blobstore.S3Store)(nil)

// backupEnvelope is the serialized form of a save's encoded state, stored
// verbatim as the backup blob. The backup checksum covers these bytes,
// independent of the checksum inside.
type backupEnvelope struct {
	SaveType             models.SaveType `json:"save_type"`
	SchemaVersion        int             `json:"schema_version"`
	Metadata             models.Metadata `json:"metadata"`
	Ciphertext           []byte          `json:"ciphertext"`
	ChecksumAlgorithm    string          `json:"checksum_algorithm"`
	Checksum             []byte          `json:"checksum"`
	CompressionAlgorithm string          `json:"compression_algorithm"`
	OriginalSize         int             `json:"original_size"`
	CompressedSize       int             `json:"compressed_size"`
	EncryptionAlgorithm  string          `json:"encryption_algorithm"`
	IV                   []byte          `json:"iv"`
	AuthTag              []byte          `json:"auth_tag"`
}

// BackupService snapshots encoded save blobs, enforces retention, and
// restores saves from snapshots.
type BackupService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	config *sc.Config
	blob   BlobStore
	log    logging.Logger

	now func() time.Time
}

func NewBackupService(db *sql.DB, repos repomanager.RepositoryManager, cfg *sc.Config,
	blob BlobStore, log logging.Logger) *BackupService {

	return &BackupService{
		db:     db,
		repos:  repos,
		config: cfg,
		blob:   blob,
		log:    log.With("module", "backup_service"),
		now:    time.Now,
	}
}

// retentionFor maps a backup reason to its retention window.
func (s *BackupService) retentionFor(reason models.BackupReason) time.Duration {
	const day = 24 * time.Hour
	switch reason {
	case models.BackupManual:
		return time.Duration(s.config.RetentionManualDays) * day
	case models.BackupConflict, models.BackupCorruptionDetected:
		return time.Duration(s.config.RetentionConflictDays) * day
	default:
		return time.Duration(s.config.RetentionDefaultDays) * day
	}
}

// CreateSnapshot captures save's encoded state on the given handle (so
// callers can bundle it with the mutation it precedes), then prunes the
// slot's backups down to the configured cap. Offload to object storage is
// best-effort and never fails the snapshot.
func (s *BackupService) CreateSnapshot(ctx context.Context, db dbx.DBTX,
	save *models.SaveRecord, reason models.BackupReason) (*models.BackupRecord, error) {

	data, err := json.Marshal(backupEnvelope{
		SaveType:             save.SaveType,
		SchemaVersion:        save.SchemaVersion,
		Metadata:             save.Metadata,
		Ciphertext:           save.Ciphertext,
		ChecksumAlgorithm:    save.ChecksumAlgorithm,
		Checksum:             save.Checksum,
		CompressionAlgorithm: save.CompressionAlgorithm,
		OriginalSize:         save.OriginalSize,
		CompressedSize:       save.CompressedSize,
		EncryptionAlgorithm:  save.EncryptionAlgorithm,
		IV:                   save.IV,
		AuthTag:              save.AuthTag,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal backup envelope: %w", err)
	}

	now := s.now()
	backup := &models.BackupRecord{
		ID:        uuid.New().String(),
		SaveID:    save.ID,
		OwnerID:   save.OwnerID,
		SlotID:    save.SlotID,
		Revision:  save.Revision,
		Reason:    reason,
		Data:      data,
		Checksum:  cryptox.Checksum(data),
		DataSize:  len(data),
		CreatedAt: now,
		ExpiresAt: now.Add(s.retentionFor(reason)),
	}

	repo := s.repos.Backups(db)
	if err := repo.Create(ctx, backup); err != nil {
		return nil, err
	}

	if _, err := repo.PruneSlot(ctx, save.OwnerID, save.SlotID, s.config.MaxBackupsPerSlot); err != nil {
		return nil, err
	}

	if s.blob != nil && s.config.S3Enabled {
		key := blobstore.BackupStorageKey(save.OwnerID, save.SlotID)
		if err := s.blob.Put(ctx, key, data); err != nil {
			s.log.Warn(ctx, "backup offload failed", "backup_id", backup.ID, "error", err)
		} else if err := repo.SetStorageKey(ctx, backup.ID, key); err != nil {
			s.log.Warn(ctx, "failed to record storage key", "backup_id", backup.ID, "error", err)
		} else {
			backup.StorageKey = key
		}
	}

	return backup, nil
}

// CreateBackup snapshots the current state of (owner, slot).
func (s *BackupService) CreateBackup(ctx context.Context, ownerID string, slotID int,
	reason models.BackupReason) (*models.BackupRecord, error) {

	save, err := s.repos.Saves(s.db).GetByOwnerSlot(ctx, ownerID, slotID)
	if err != nil {
		return nil, err
	}

	return s.CreateSnapshot(ctx, s.db, save, reason)
}

// ListBackups returns a slot's backups, newest first.
func (s *BackupService) ListBackups(ctx context.Context, ownerID string, slotID int) ([]*models.BackupRecord, error) {
	return s.repos.Backups(s.db).ListBySlot(ctx, ownerID, slotID)
}

// DeleteBackup removes a backup after checking it belongs to ownerID.
func (s *BackupService) DeleteBackup(ctx context.Context, backupID string, ownerID string) error {
	backup, err := s.repos.Backups(s.db).GetByID(ctx, backupID)
	if err != nil {
		return err
	}
	if backup.OwnerID != ownerID {
		return common.ErrNotFound
	}

	return s.repos.Backups(s.db).Delete(ctx, backupID)
}

// ExportBackup archives the backup blob to object storage if needed and
// returns a time-limited download URL.
func (s *BackupService) ExportBackup(ctx context.Context, backupID string, ownerID string) (string, error) {
	if s.blob == nil || !s.config.S3Enabled {
		return "", fmt.Errorf("%w: object storage is disabled", common.ErrValidation)
	}

	backup, err := s.repos.Backups(s.db).GetByID(ctx, backupID)
	if err != nil {
		return "", err
	}
	if backup.OwnerID != ownerID {
		return "", common.ErrNotFound
	}

	key := backup.StorageKey
	if key == "" {
		key = blobstore.BackupStorageKey(backup.OwnerID, backup.SlotID)
		if err := s.blob.Put(ctx, key, backup.Data); err != nil {
			return "", err
		}
		if err := s.repos.Backups(s.db).SetStorageKey(ctx, backup.ID, key); err != nil {
			return "", err
		}
	}

	return s.blob.PresignDownload(ctx, key)
}

// RestoreFromBackup overwrites the target slot's encoded state and revision
// with the backup's, after verifying the backup's own checksum. The current
// state, if any, is snapshotted first. Corruption flags are cleared.
func (s *BackupService) RestoreFromBackup(ctx context.Context, backupID string, ownerID string) (*models.SaveRecord, error) {
	backup, err := s.repos.Backups(s.db).GetByID(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if backup.OwnerID != ownerID {
		return nil, common.ErrNotFound
	}

	data := backup.Data
	if len(data) == 0 && backup.StorageKey != "" && s.blob != nil {
		if data, err = s.blob.Get(ctx, backup.StorageKey); err != nil {
			return nil, err
		}
	}

	if !cryptox.VerifyChecksum(data, backup.Checksum) {
		return nil, fmt.Errorf("%w: backup %s failed checksum verification", common.ErrIntegrity, backup.ID)
	}

	var envelope backupEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal backup envelope: %w", err)
	}

	current, err := s.repos.Saves(s.db).GetByOwnerSlot(ctx, backup.OwnerID, backup.SlotID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if current == nil {
		// The slot was deleted since the snapshot; recreate it.
		restored := restoredRecord(backup, envelope, s.now())
		restored.ID = uuid.New().String()
		restored.OwnerID = backup.OwnerID
		restored.SlotID = backup.SlotID
		restored.SyncStatus = models.SyncLocalOnly
		restored.CreatedAt = s.now()
		if err := s.repos.Saves(s.db).Create(ctx, restored); err != nil {
			return nil, err
		}
		return restored, nil
	}

	restored := restoredRecord(backup, envelope, s.now())
	restored.ID = current.ID
	restored.OwnerID = current.OwnerID
	restored.SlotID = current.SlotID
	restored.SyncStatus = current.SyncStatus
	restored.LoadCount = current.LoadCount
	restored.SaveCount = current.SaveCount
	restored.LastSyncedAt = current.LastSyncedAt
	restored.CreatedAt = current.CreatedAt

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.CreateSnapshot(ctx, tx, current, models.BackupPreUpdate); err != nil {
			return err
		}
		return s.repos.Saves(tx).Update(ctx, restored, current.Revision)
	})
	if err != nil {
		return nil, err
	}

	return restored, nil
}

// SweepExpired deletes all backups whose retention window has passed. Runs
// on the maintenance tick, not per-request.
func (s *BackupService) SweepExpired(ctx context.Context) (int64, error) {
	deleted, err := s.repos.Backups(s.db).DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info(ctx, "swept expired backups", "deleted", deleted)
	}
	return deleted, nil
}

// restoredRecord builds the restored row shared by both restore paths.
func restoredRecord(backup *models.BackupRecord, envelope backupEnvelope, now time.Time) *models.SaveRecord {
	return &models.SaveRecord{
		SaveType:             envelope.SaveType,
		SchemaVersion:        envelope.SchemaVersion,
		Revision:             backup.Revision,
		Metadata:             envelope.Metadata,
		Ciphertext:           envelope.Ciphertext,
		ChecksumAlgorithm:    envelope.ChecksumAlgorithm,
		Checksum:             envelope.Checksum,
		CompressionAlgorithm: envelope.CompressionAlgorithm,
		OriginalSize:         envelope.OriginalSize,
		CompressedSize:       envelope.CompressedSize,
		EncryptionAlgorithm:  envelope.EncryptionAlgorithm,
		IV:                   envelope.IV,
		AuthTag:              envelope.AuthTag,
		LastModifiedAt:       now,
	}
}
