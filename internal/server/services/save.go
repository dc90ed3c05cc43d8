// Package services implements the save engine's operations over the
// repository layer: slot CRUD, backups, sync conflict resolution, and
// auto-save scheduling.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/compressx"
	"github.com/avolkoff/savesync/internal/cryptox"
	"github.com/avolkoff/savesync/internal/dbx"
	"github.com/avolkoff/savesync/internal/logging"
	"github.com/avolkoff/savesync/internal/schema"
	sc "github.com/avolkoff/savesync/internal/server/config"
	"github.com/avolkoff/savesync/internal/server/models"
	"github.com/avolkoff/savesync/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// SaveService orchestrates the encode/decode pipeline over one save slot:
// validate -> default-fill -> compress -> checksum -> encrypt on the way in,
// and the mirror with migration on the way out.
type SaveService struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	config   *sc.Config
	backups  *BackupService
	migrator *schema.Migrator
	key      []byte
	log      logging.Logger

	now func() time.Time
}

func NewSaveService(db *sql.DB, repos repomanager.RepositoryManager, cfg *sc.Config,
	backups *BackupService, migrator *schema.Migrator, log logging.Logger) (*SaveService, error) {

	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}

	return &SaveService{
		db:       db,
		repos:    repos,
		config:   cfg,
		backups:  backups,
		migrator: migrator,
		key:      key,
		log:      log.With("module", "save_service"),
		now:      time.Now,
	}, nil
}

// Create writes the first save for (owner, slot). The slot must be valid and
// empty; a duplicate surfaces common.ErrValidation.
func (s *SaveService) Create(ctx context.Context, ownerID string, slotID int,
	saveType models.SaveType, payload schema.Document, meta models.Metadata) (*models.SaveRecord, error) {

	if !s.config.ValidSlot(slotID) {
		return nil, fmt.Errorf("%w: slot %d out of bounds", common.ErrValidation, slotID)
	}
	if err := schema.ValidateStructure(payload); err != nil {
		return nil, err
	}

	record := &models.SaveRecord{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		SlotID:         slotID,
		SaveType:       saveType,
		Revision:       1,
		Metadata:       meta,
		SyncStatus:     models.SyncLocalOnly,
		LastModifiedAt: s.now(),
		SaveCount:      1,
		CreatedAt:      s.now(),
	}

	if err := s.encodeInto(record, schema.MergeWithDefaults(payload)); err != nil {
		return nil, err
	}

	if err := s.repos.Saves(s.db).Create(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

// Update merges patch over the slot's current payload and re-runs the encode
// pipeline. A PRE_UPDATE backup of the current encoded state is committed in
// the same transaction, before the mutation. meta, when non-nil, replaces the
// stored metadata.
func (s *SaveService) Update(ctx context.Context, ownerID string, slotID int,
	patch schema.Document, meta *models.Metadata) (*models.SaveRecord, error) {

	if !s.config.ValidSlot(slotID) {
		return nil, fmt.Errorf("%w: slot %d out of bounds", common.ErrValidation, slotID)
	}

	record, err := s.repos.Saves(s.db).GetByOwnerSlot(ctx, ownerID, slotID)
	if err != nil {
		return nil, err
	}

	current, err := s.decode(ctx, record)
	if err != nil {
		return nil, err
	}

	// migrate before merging: default-fill stamps the current version, so a
	// stale payload merged as-is would never see its migrations again
	current, err = s.migrator.MigrateToCurrent(ctx, current)
	if err != nil {
		return nil, err
	}

	merged := schema.MergeWithDefaults(schema.Merge(current, patch))
	if err := schema.ValidateStructure(merged); err != nil {
		return nil, err
	}

	expectedRevision := record.Revision

	updated := *record
	if meta != nil {
		updated.Metadata = *meta
	}
	updated.Revision = expectedRevision + 1
	updated.SaveCount = record.SaveCount + 1
	updated.SyncStatus = models.SyncLocalNewer
	updated.LastModifiedAt = s.now()

	if err := s.encodeInto(&updated, merged); err != nil {
		return nil, err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.backups.CreateSnapshot(ctx, tx, record, models.BackupPreUpdate); err != nil {
			return err
		}
		return s.repos.Saves(tx).Update(ctx, &updated, expectedRevision)
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// Load decodes the slot's payload, verifies its integrity and migrates it to
// the current schema version. A corrupted record fails immediately with the
// stored reason; the caller should restore from a backup.
func (s *SaveService) Load(ctx context.Context, ownerID string, slotID int) (schema.Document, *models.SaveRecord, error) {
	record, err := s.repos.Saves(s.db).GetByOwnerSlot(ctx, ownerID, slotID)
	if err != nil {
		return nil, nil, err
	}

	doc, err := s.decode(ctx, record)
	if err != nil {
		return nil, nil, err
	}

	doc, err = s.migrator.MigrateToCurrent(ctx, doc)
	if err != nil {
		return nil, nil, err
	}

	if err := s.repos.Saves(s.db).IncrementLoadCount(ctx, record.ID); err != nil {
		s.log.Warn(ctx, "failed to bump load count", "save_id", record.ID, "error", err)
	}
	record.LoadCount++

	return doc, record, nil
}

// Delete snapshots the slot (MANUAL reason) and removes the record, in one
// transaction.
func (s *SaveService) Delete(ctx context.Context, ownerID string, slotID int) error {
	record, err := s.repos.Saves(s.db).GetByOwnerSlot(ctx, ownerID, slotID)
	if err != nil {
		return err
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.backups.CreateSnapshot(ctx, tx, record, models.BackupManual); err != nil {
			return err
		}
		return s.repos.Saves(tx).Delete(ctx, ownerID, slotID)
	})
}

// ListSaves returns the owner's saves ordered by slot id.
func (s *SaveService) ListSaves(ctx context.Context, ownerID string) ([]*models.SaveRecord, error) {
	return s.repos.Saves(s.db).ListByOwner(ctx, ownerID)
}

// ListEmptySlots scans the numbered player range for unoccupied slot ids and
// returns up to count of them.
func (s *SaveService) ListEmptySlots(ctx context.Context, ownerID string, count int) ([]int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", common.ErrValidation)
	}

	saved, err := s.repos.Saves(s.db).ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	occupied := make(map[int]struct{}, len(saved))
	for _, rec := range saved {
		occupied[rec.SlotID] = struct{}{}
	}

	var empty []int
	for slot := 0; slot < s.config.MaxSlots && len(empty) < count; slot++ {
		if _, ok := occupied[slot]; !ok {
			empty = append(empty, slot)
		}
	}

	return empty, nil
}

// encodeInto runs the encode pipeline over doc and writes the resulting blob
// fields into record. The checksum covers the compressed, pre-encryption
// bytes.
func (s *SaveService) encodeInto(record *models.SaveRecord, doc schema.Document) error {
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	compressed, info, err := compressx.Compress(plaintext)
	if err != nil {
		return err
	}

	checksum := cryptox.Checksum(compressed)

	ciphertext, iv, tag, err := cryptox.Encrypt(compressed, s.key)
	if err != nil {
		return err
	}

	record.SchemaVersion = schema.CurrentVersion
	record.Ciphertext = ciphertext
	record.ChecksumAlgorithm = cryptox.ChecksumSHA256
	record.Checksum = checksum
	record.CompressionAlgorithm = info.Algorithm
	record.OriginalSize = info.OriginalSize
	record.CompressedSize = info.CompressedSize
	record.EncryptionAlgorithm = cryptox.AlgorithmAESGCM
	record.IV = iv
	record.AuthTag = tag

	record.Plaintext = nil
	if s.config.DebugKeepPlaintext {
		record.Plaintext = plaintext
	}

	return nil
}

// decode reverses the encode pipeline for record. Auth-tag or checksum
// failures flag the record corrupted, trigger a best-effort
// CORRUPTION_DETECTED backup and surface common.ErrIntegrity.
func (s *SaveService) decode(ctx context.Context, record *models.SaveRecord) (schema.Document, error) {
	if record.IsCorrupted {
		return nil, fmt.Errorf("%w: %s", common.ErrIntegrity, record.CorruptionReason)
	}

	compressed, err := cryptox.Decrypt(record.Ciphertext, record.IV, record.AuthTag, s.key)
	if err != nil {
		if errors.Is(err, common.ErrIntegrity) {
			s.quarantine(ctx, record, "auth tag verification failed")
		}
		return nil, err
	}

	if !cryptox.VerifyChecksum(compressed, record.Checksum) {
		s.quarantine(ctx, record, "checksum mismatch")
		return nil, fmt.Errorf("%w: checksum mismatch", common.ErrIntegrity)
	}

	plaintext, err := compressx.Decompress(compressed, compressx.Info{
		Algorithm:      record.CompressionAlgorithm,
		OriginalSize:   record.OriginalSize,
		CompressedSize: record.CompressedSize,
	})
	if err != nil {
		return nil, err
	}

	var doc schema.Document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	return doc, nil
}

// quarantine flags the record corrupted and snapshots the encoded state so
// it can still be diagnosed. Both steps are best-effort; the integrity
// error propagates regardless.
func (s *SaveService) quarantine(ctx context.Context, record *models.SaveRecord, reason string) {
	if err := s.repos.Saves(s.db).MarkCorrupted(ctx, record.ID, reason); err != nil {
		s.log.Error(ctx, "failed to flag corrupted save", "save_id", record.ID, "error", err)
	}
	record.IsCorrupted = true
	record.CorruptionReason = reason

	if _, err := s.backups.CreateSnapshot(ctx, s.db, record, models.BackupCorruptionDetected); err != nil {
		s.log.Error(ctx, "failed to snapshot corrupted save", "save_id", record.ID, "error", err)
	}
}
