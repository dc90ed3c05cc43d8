package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/dbx"
	"github.com/avolkoff/savesync/internal/logging"
	"github.com/avolkoff/savesync/internal/schema"
	sc "github.com/avolkoff/savesync/internal/server/config"
	"github.com/avolkoff/savesync/internal/server/models"
	"github.com/avolkoff/savesync/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// ResolutionStrategy names a way out of a sync conflict.
type ResolutionStrategy string

const (
	ResolveUseLocal  ResolutionStrategy = "USE_LOCAL"
	ResolveUseCloud  ResolutionStrategy = "USE_CLOUD"
	ResolveUseNewest ResolutionStrategy = "USE_NEWEST"
	ResolveMerge     ResolutionStrategy = "MERGE"
	ResolveKeepBoth  ResolutionStrategy = "KEEP_BOTH"
)

// LocalDescriptor is what a device reports about its copy of a slot: the
// hex checksum of its compressed payload and when it last changed. Nil
// timestamp means the device never recorded one.
type LocalDescriptor struct {
	Checksum       string
	LastModifiedAt *time.Time
}

// SyncResult is the outcome of classifying a slot against a device's copy.
type SyncResult struct {
	Status              models.SyncStatus
	SuggestedResolution ResolutionStrategy
	Save                *models.SaveRecord
}

// SyncService classifies local-vs-cloud divergence per slot and applies
// conflict resolutions.
type SyncService struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	config  *sc.Config
	saves   *SaveService
	backups *BackupService
	log     logging.Logger

	now func() time.Time
}

func NewSyncService(db *sql.DB, repos repomanager.RepositoryManager, cfg *sc.Config,
	saves *SaveService, backups *BackupService, log logging.Logger) *SyncService {

	return &SyncService{
		db:      db,
		repos:   repos,
		config:  cfg,
		saves:   saves,
		backups: backups,
		log:     log.With("module", "sync_service"),
		now:     time.Now,
	}
}

// SyncSave compares the device's descriptor for (owner, slot) against the
// stored record and returns the classification. The resulting status is
// persisted on the record so later listings reflect it.
func (s *SyncService) SyncSave(ctx context.Context, ownerID string, slotID int,
	local *LocalDescriptor) (*SyncResult, error) {

	cloud, err := s.repos.Saves(s.db).GetByOwnerSlot(ctx, ownerID, slotID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			if local == nil || local.Checksum == "" {
				return nil, common.ErrNotFound
			}
			return &SyncResult{Status: models.SyncLocalOnly, SuggestedResolution: ResolveUseLocal}, nil
		}
		return nil, err
	}

	result := s.classify(cloud, local)
	result.Save = cloud

	if cloud.SyncStatus != result.Status {
		if err := s.repos.Saves(s.db).SetSyncStatus(ctx, cloud.ID, result.Status, cloud.LastSyncedAt); err != nil {
			return nil, err
		}
		cloud.SyncStatus = result.Status
	}

	return result, nil
}

func (s *SyncService) classify(cloud *models.SaveRecord, local *LocalDescriptor) *SyncResult {
	if local == nil || local.Checksum == "" {
		return &SyncResult{Status: models.SyncCloudOnly, SuggestedResolution: ResolveUseCloud}
	}

	if hex.EncodeToString(cloud.Checksum) == local.Checksum {
		return &SyncResult{Status: models.SyncSynced}
	}

	if local.LastModifiedAt == nil {
		return &SyncResult{Status: models.SyncCloudNewer, SuggestedResolution: ResolveUseCloud}
	}

	delta := local.LastModifiedAt.Sub(cloud.LastModifiedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta < s.config.ConflictThreshold {
		suggested := ResolveUseCloud
		if local.LastModifiedAt.After(cloud.LastModifiedAt) {
			suggested = ResolveUseLocal
		}
		return &SyncResult{Status: models.SyncConflict, SuggestedResolution: suggested}
	}

	if local.LastModifiedAt.After(cloud.LastModifiedAt) {
		return &SyncResult{Status: models.SyncLocalNewer, SuggestedResolution: ResolveUseLocal}
	}
	return &SyncResult{Status: models.SyncCloudNewer, SuggestedResolution: ResolveUseCloud}
}

// ResolveConflict applies a strategy to a conflicted slot. A CONFLICT
// backup is always taken first so any resolution can be unwound.
//
// UseLocal leaves the record LOCAL_NEWER: the device must still upload its
// copy, and the record converges to SYNCED only when that upload lands.
// Merge requires the local document in payload. KeepBoth duplicates the
// cloud copy into the next free player slot.
func (s *SyncService) ResolveConflict(ctx context.Context, ownerID string, slotID int,
	strategy ResolutionStrategy, local *LocalDescriptor, payload schema.Document) (*models.SaveRecord, error) {

	cloud, err := s.repos.Saves(s.db).GetByOwnerSlot(ctx, ownerID, slotID)
	if err != nil {
		return nil, err
	}

	switch strategy {
	case ResolveUseLocal:
		err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			if _, err := s.backups.CreateSnapshot(ctx, tx, cloud, models.BackupConflict); err != nil {
				return err
			}
			return s.repos.Saves(tx).SetSyncStatus(ctx, cloud.ID, models.SyncLocalNewer, cloud.LastSyncedAt)
		})
		if err != nil {
			return nil, err
		}
		cloud.SyncStatus = models.SyncLocalNewer
		return cloud, nil

	case ResolveUseCloud:
		return s.markSynced(ctx, cloud)

	case ResolveUseNewest:
		if local != nil && local.LastModifiedAt != nil && local.LastModifiedAt.After(cloud.LastModifiedAt) {
			return s.ResolveConflict(ctx, ownerID, slotID, ResolveUseLocal, local, nil)
		}
		return s.markSynced(ctx, cloud)

	case ResolveMerge:
		return s.merge(ctx, cloud, payload)

	case ResolveKeepBoth:
		return s.keepBoth(ctx, cloud)

	default:
		return nil, fmt.Errorf("%w: unknown resolution strategy %q", common.ErrValidation, strategy)
	}
}

// markSynced accepts the cloud copy as authoritative.
func (s *SyncService) markSynced(ctx context.Context, cloud *models.SaveRecord) (*models.SaveRecord, error) {
	syncedAt := s.now()
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.backups.CreateSnapshot(ctx, tx, cloud, models.BackupConflict); err != nil {
			return err
		}
		return s.repos.Saves(tx).SetSyncStatus(ctx, cloud.ID, models.SyncSynced, &syncedAt)
	})
	if err != nil {
		return nil, err
	}
	cloud.SyncStatus = models.SyncSynced
	cloud.LastSyncedAt = &syncedAt
	return cloud, nil
}

// merge deep-merges the device's document over the cloud document and
// re-encodes the result as a new revision.
func (s *SyncService) merge(ctx context.Context, cloud *models.SaveRecord, payload schema.Document) (*models.SaveRecord, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: merge resolution requires the local document", common.ErrValidation)
	}

	cloudDoc, err := s.saves.decode(ctx, cloud)
	if err != nil {
		return nil, err
	}

	cloudDoc, err = s.saves.migrator.MigrateToCurrent(ctx, cloudDoc)
	if err != nil {
		return nil, err
	}

	merged := schema.MergeWithDefaults(schema.Merge(cloudDoc, payload))
	if err := schema.ValidateStructure(merged); err != nil {
		return nil, err
	}

	updated := *cloud
	if err := s.saves.encodeInto(&updated, merged); err != nil {
		return nil, err
	}
	syncedAt := s.now()
	updated.Revision = cloud.Revision + 1
	updated.SaveCount = cloud.SaveCount + 1
	updated.SyncStatus = models.SyncSynced
	updated.LastSyncedAt = &syncedAt
	updated.LastModifiedAt = syncedAt

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.backups.CreateSnapshot(ctx, tx, cloud, models.BackupConflict); err != nil {
			return err
		}
		return s.repos.Saves(tx).Update(ctx, &updated, cloud.Revision)
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// keepBoth copies the cloud record verbatim into the next free player slot
// so the device can upload its copy over the original without losing either.
// The encoded bytes are reused untouched, so the copy stays bit-identical.
func (s *SyncService) keepBoth(ctx context.Context, cloud *models.SaveRecord) (*models.SaveRecord, error) {
	slots, err := s.saves.ListEmptySlots(ctx, cloud.OwnerID, 1)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: no free slot to keep both copies", common.ErrCapacity)
	}

	now := s.now()
	dup := *cloud
	dup.ID = uuid.New().String()
	dup.SlotID = slots[0]
	dup.Revision = 1
	dup.SyncStatus = models.SyncSynced
	dup.LastSyncedAt = &now
	dup.LoadCount = 0
	dup.SaveCount = 1
	dup.CreatedAt = now
	dup.Metadata.SlotName = cloud.Metadata.SlotName + " (conflict copy)"

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.backups.CreateSnapshot(ctx, tx, cloud, models.BackupConflict); err != nil {
			return err
		}
		if err := s.repos.Saves(tx).Create(ctx, &dup); err != nil {
			return err
		}
		return s.repos.Saves(tx).SetSyncStatus(ctx, cloud.ID, models.SyncLocalNewer, cloud.LastSyncedAt)
	})
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(dup.Ciphertext, cloud.Ciphertext) {
		s.log.Error(ctx, "conflict copy diverged from original", "save_id", cloud.ID)
	}

	return &dup, nil
}

// UploadToCloud records the device's document as the slot's new state and
// marks the slot synced. Creates the slot when it does not exist yet.
func (s *SyncService) UploadToCloud(ctx context.Context, ownerID string, slotID int,
	doc schema.Document, meta models.Metadata) (*models.SaveRecord, error) {

	syncedAt := s.now()

	_, err := s.repos.Saves(s.db).GetByOwnerSlot(ctx, ownerID, slotID)
	if errors.Is(err, common.ErrNotFound) {
		created, err := s.saves.Create(ctx, ownerID, slotID, models.SaveTypeManual, doc, meta)
		if err != nil {
			return nil, err
		}
		if err := s.repos.Saves(s.db).SetSyncStatus(ctx, created.ID, models.SyncSynced, &syncedAt); err != nil {
			return nil, err
		}
		created.SyncStatus = models.SyncSynced
		created.LastSyncedAt = &syncedAt
		return created, nil
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.saves.Update(ctx, ownerID, slotID, doc, &meta)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Saves(s.db).SetSyncStatus(ctx, updated.ID, models.SyncSynced, &syncedAt); err != nil {
		return nil, err
	}
	updated.SyncStatus = models.SyncSynced
	updated.LastSyncedAt = &syncedAt

	return updated, nil
}

// DownloadFromCloud returns the slot's decoded document and marks the slot
// synced.
func (s *SyncService) DownloadFromCloud(ctx context.Context, ownerID string, slotID int) (schema.Document, *models.SaveRecord, error) {
	doc, record, err := s.saves.Load(ctx, ownerID, slotID)
	if err != nil {
		return nil, nil, err
	}

	syncedAt := s.now()
	if err := s.repos.Saves(s.db).SetSyncStatus(ctx, record.ID, models.SyncSynced, &syncedAt); err != nil {
		return nil, nil, err
	}
	record.SyncStatus = models.SyncSynced
	record.LastSyncedAt = &syncedAt

	return doc, record, nil
}

// ListCloudSaves lists the owner's slots as stored server-side.
func (s *SyncService) ListCloudSaves(ctx context.Context, ownerID string) ([]*models.SaveRecord, error) {
	return s.repos.Saves(s.db).ListByOwner(ctx, ownerID)
}
