package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/dbx"
	"github.com/avolkoff/savesync/internal/logging"
	"github.com/avolkoff/savesync/internal/schema"
	sc "github.com/avolkoff/savesync/internal/server/config"
	"github.com/avolkoff/savesync/internal/server/models"
	"github.com/avolkoff/savesync/internal/server/repositories/backups"
	"github.com/avolkoff/savesync/internal/server/repositories/saves"
	"github.com/stretchr/testify/require"
)

// fakeSaveRepo is an in-memory saves.Repository keyed by (owner, slot).
type fakeSaveRepo struct {
	mu      sync.Mutex
	records map[string]*models.SaveRecord
}

func newFakeSaveRepo() *fakeSaveRepo {
	return &fakeSaveRepo{records: make(map[string]*models.SaveRecord)}
}

func saveKey(ownerID string, slotID int) string {
	return fmt.Sprintf("%s:%d", ownerID, slotID)
}

func (r *fakeSaveRepo) byID(id string) *models.SaveRecord {
	for _, rec := range r.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (r *fakeSaveRepo) Create(_ context.Context, save *models.SaveRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := saveKey(save.OwnerID, save.SlotID)
	if _, ok := r.records[k]; ok {
		return fmt.Errorf("%w: slot %d is occupied", common.ErrValidation, save.SlotID)
	}
	cp := *save
	r.records[k] = &cp
	return nil
}

func (r *fakeSaveRepo) Update(_ context.Context, save *models.SaveRecord, expectedRevision int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := saveKey(save.OwnerID, save.SlotID)
	cur, ok := r.records[k]
	if !ok {
		return common.ErrNotFound
	}
	if cur.Revision != expectedRevision {
		return common.ErrConflict
	}
	cp := *save
	cp.ID = cur.ID
	cp.CreatedAt = cur.CreatedAt
	r.records[k] = &cp
	return nil
}

func (r *fakeSaveRepo) GetByOwnerSlot(_ context.Context, ownerID string, slotID int) (*models.SaveRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[saveKey(ownerID, slotID)]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeSaveRepo) ListByOwner(_ context.Context, ownerID string) ([]*models.SaveRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SaveRecord
	for _, rec := range r.records {
		if rec.OwnerID == ownerID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out, nil
}

func (r *fakeSaveRepo) Delete(_ context.Context, ownerID string, slotID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := saveKey(ownerID, slotID)
	if _, ok := r.records[k]; !ok {
		return common.ErrNotFound
	}
	delete(r.records, k)
	return nil
}

func (r *fakeSaveRepo) IncrementLoadCount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.byID(id); rec != nil {
		rec.LoadCount++
		return nil
	}
	return common.ErrNotFound
}

func (r *fakeSaveRepo) MarkCorrupted(_ context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.byID(id); rec != nil {
		rec.IsCorrupted = true
		rec.CorruptionReason = reason
		return nil
	}
	return common.ErrNotFound
}

func (r *fakeSaveRepo) SetSyncStatus(_ context.Context, id string, status models.SyncStatus, lastSyncedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.byID(id); rec != nil {
		rec.SyncStatus = status
		if lastSyncedAt != nil {
			t := *lastSyncedAt
			rec.LastSyncedAt = &t
		}
		return nil
	}
	return common.ErrNotFound
}

// fakeBackupRepo is an in-memory backups.Repository.
type fakeBackupRepo struct {
	mu      sync.Mutex
	records []*models.BackupRecord
}

func newFakeBackupRepo() *fakeBackupRepo {
	return &fakeBackupRepo{}
}

func (r *fakeBackupRepo) Create(_ context.Context, backup *models.BackupRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *backup
	r.records = append(r.records, &cp)
	return nil
}

func (r *fakeBackupRepo) GetByID(_ context.Context, id string) (*models.BackupRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *fakeBackupRepo) ListBySlot(_ context.Context, ownerID string, slotID int) ([]*models.BackupRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BackupRecord
	for _, rec := range r.records {
		if rec.OwnerID == ownerID && rec.SlotID == slotID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeBackupRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.records {
		if rec.ID == id {
			r.records = append(r.records[:i], r.records[i+1:]...)
			return nil
		}
	}
	return common.ErrNotFound
}

func (r *fakeBackupRepo) PruneSlot(_ context.Context, ownerID string, slotID int, keep int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var slot []*models.BackupRecord
	for _, rec := range r.records {
		if rec.OwnerID == ownerID && rec.SlotID == slotID {
			slot = append(slot, rec)
		}
	}
	if len(slot) <= keep {
		return 0, nil
	}
	sort.Slice(slot, func(i, j int) bool { return slot[i].CreatedAt.After(slot[j].CreatedAt) })
	doomed := make(map[string]struct{})
	for _, rec := range slot[keep:] {
		doomed[rec.ID] = struct{}{}
	}
	var kept []*models.BackupRecord
	for _, rec := range r.records {
		if _, ok := doomed[rec.ID]; !ok {
			kept = append(kept, rec)
		}
	}
	deleted := int64(len(r.records) - len(kept))
	r.records = kept
	return deleted, nil
}

func (r *fakeBackupRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*models.BackupRecord
	for _, rec := range r.records {
		if rec.ExpiresAt.After(now) {
			kept = append(kept, rec)
		}
	}
	deleted := int64(len(r.records) - len(kept))
	r.records = kept
	return deleted, nil
}

func (r *fakeBackupRepo) SetStorageKey(_ context.Context, id string, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.StorageKey = key
			return nil
		}
	}
	return common.ErrNotFound
}

func (r *fakeBackupRepo) byReason(reason models.BackupReason) []*models.BackupRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.BackupRecord
	for _, rec := range r.records {
		if rec.Reason == reason {
			out = append(out, rec)
		}
	}
	return out
}

// fakeRepoManager hands the same fakes back regardless of the handle.
type fakeRepoManager struct {
	saveRepo   *fakeSaveRepo
	backupRepo *fakeBackupRepo
}

func (m *fakeRepoManager) Saves(dbx.DBTX) saves.Repository     { return m.saveRepo }
func (m *fakeRepoManager) Backups(dbx.DBTX) backups.Repository { return m.backupRepo }

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }

// testEnv wires the services over in-memory repositories. The sql handle is
// mocked only to satisfy transaction begin/commit; the fakes never touch it.
type testEnv struct {
	db      *sql.DB
	mock    sqlmock.Sqlmock
	saves   *fakeSaveRepo
	backups *fakeBackupRepo
	cfg     *sc.Config

	save     *SaveService
	backup   *BackupService
	sync     *SyncService
	autosave *AutoSaveService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &sc.Config{}
	cfg.LoadDefaults()

	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	repos := &fakeRepoManager{saveRepo: newFakeSaveRepo(), backupRepo: newFakeBackupRepo()}

	backupSvc := NewBackupService(db, repos, cfg, nil, log)
	saveSvc, err := NewSaveService(db, repos, cfg, backupSvc, schema.NewMigrator(log), log)
	require.NoError(t, err)
	syncSvc := NewSyncService(db, repos, cfg, saveSvc, backupSvc, log)
	autoSvc := NewAutoSaveService(saveSvc, cfg, log)

	return &testEnv{
		db:       db,
		mock:     mock,
		saves:    repos.saveRepo,
		backups:  repos.backupRepo,
		cfg:      cfg,
		save:     saveSvc,
		backup:   backupSvc,
		sync:     syncSvc,
		autosave: autoSvc,
	}
}

// expectTx queues n begin/commit pairs on the mocked handle.
func (e *testEnv) expectTx(n int) {
	for i := 0; i < n; i++ {
		e.mock.ExpectBegin()
		e.mock.ExpectCommit()
	}
}

// seedStaleRecord plants a record whose stored payload is still at an older
// schema version, the way a previous build would have written it.
func seedStaleRecord(t *testing.T, env *testEnv, ownerID string, slotID int, doc schema.Document) *models.SaveRecord {
	t.Helper()

	record := &models.SaveRecord{
		ID:             fmt.Sprintf("stale-%s-%d", ownerID, slotID),
		OwnerID:        ownerID,
		SlotID:         slotID,
		SaveType:       models.SaveTypeManual,
		Revision:       1,
		SyncStatus:     models.SyncLocalOnly,
		LastModifiedAt: time.Now(),
		SaveCount:      1,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, env.save.encodeInto(record, doc))
	record.SchemaVersion = schema.Version(doc)
	require.NoError(t, env.saves.Create(context.Background(), record))
	return record
}

func testDocument() schema.Document {
	return schema.Document{
		"version": schema.CurrentVersion,
		"gameState": map[string]any{
			"currentLevel": "hollow-keep",
			"difficulty":   "hard",
		},
		"playerState": map[string]any{
			"health":    float64(62),
			"inventory": []any{"torch", "rope"},
		},
		"progressState": map[string]any{
			"completedQuests": []any{"prologue"},
		},
	}
}
