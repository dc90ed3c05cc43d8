package services

import (
	"context"
	"testing"
	"time"

	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/schema"
	"github.com/avolkoff/savesync/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService_RetentionByReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.save.Create(ctx, "owner-1", 0, models.SaveTypeManual, testDocument(), models.Metadata{})
	require.NoError(t, err)

	const day = 24 * time.Hour
	tests := []struct {
		reason models.BackupReason
		want   time.Duration
	}{
		{models.BackupManual, 90 * day},
		{models.BackupConflict, 30 * day},
		{models.BackupCorruptionDetected, 30 * day},
		{models.BackupScheduled, 7 * day},
		{models.BackupPreUpdate, 7 * day},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			backup, err := env.backup.CreateBackup(ctx, "owner-1", 0, tt.reason)
			require.NoError(t, err)
			assert.Equal(t, tt.want, backup.ExpiresAt.Sub(backup.CreatedAt))
		})
	}
}

func TestBackupService_RestoreFromBackup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.save.Create(ctx, "owner-1", 0, models.SaveTypeManual, testDocument(), models.Metadata{})
	require.NoError(t, err)

	backup, err := env.backup.CreateBackup(ctx, "owner-1", 0, models.BackupManual)
	require.NoError(t, err)

	// the slot moves on after the backup
	env.expectTx(1)
	updated, err := env.save.Update(ctx, "owner-1", 0, schema.Document{
		"playerState": map[string]any{"health": float64(1)},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Revision)

	env.expectTx(1)
	restored, err := env.backup.RestoreFromBackup(ctx, backup.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, backup.Revision, restored.Revision)

	doc, _, err := env.save.Load(ctx, "owner-1", 0)
	require.NoError(t, err)
	player := doc["playerState"].(schema.Document)
	assert.Equal(t, float64(62), player["health"])
}

func TestBackupService_RestoreRecreatesDeletedSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.save.Create(ctx, "owner-1", 0, models.SaveTypeManual, testDocument(), models.Metadata{})
	require.NoError(t, err)

	backup, err := env.backup.CreateBackup(ctx, "owner-1", 0, models.BackupManual)
	require.NoError(t, err)

	env.expectTx(1)
	require.NoError(t, env.save.Delete(ctx, "owner-1", 0))

	restored, err := env.backup.RestoreFromBackup(ctx, backup.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, restored.SlotID)
	assert.Equal(t, models.SyncLocalOnly, restored.SyncStatus)

	_, _, err = env.save.Load(ctx, "owner-1", 0)
	require.NoError(t, err)
}

func TestBackupService_RestoreClearsCorruption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.save.Create(ctx, "owner-1", 0, models.SaveTypeManual, testDocument(), models.Metadata{})
	require.NoError(t, err)

	backup, err := env.backup.CreateBackup(ctx, "owner-1", 0, models.BackupManual)
	require.NoError(t, err)

	stored := env.saves.records[saveKey("owner-1", 0)]
	stored.Checksum = append([]byte{}, stored.Checksum...)
	stored.Checksum[0] ^= 0xff

	_, _, err = env.save.Load(ctx, "owner-1", 0)
	require.ErrorIs(t, err, common.ErrIntegrity)
	require.True(t, env.saves.byID(created.ID).IsCorrupted)

	env.expectTx(1)
	restored, err := env.backup.RestoreFromBackup(ctx, backup.ID, "owner-1")
	require.NoError(t, err)
	assert.False(t, restored.IsCorrupted)

	_, _, err = env.save.Load(ctx, "owner-1", 0)
	require.NoError(t, err)
}

func TestBackupService_TamperedBackupRefusesRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.save.Create(ctx, "owner-1", 0, models.SaveTypeManual, testDocument(), models.Metadata{})
	require.NoError(t, err)

	backup, err := env.backup.CreateBackup(ctx, "owner-1", 0, models.BackupManual)
	require.NoError(t, err)

	for _, rec := range env.backups.records {
		if rec.ID == backup.ID {
			rec.Data = append([]byte{}, rec.Data...)
			rec.Data[0] ^= 0xff
		}
	}

	_, err = env.backup.RestoreFromBackup(ctx, backup.ID, "owner-1")
	assert.ErrorIs(t, err, common.ErrIntegrity)
}

func TestBackupService_DeleteBackupChecksOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.save.Create(ctx, "owner-1", 0, models.SaveTypeManual, testDocument(), models.Metadata{})
	require.NoError(t, err)

	backup, err := env.backup.CreateBackup(ctx, "owner-1", 0, models.BackupManual)
	require.NoError(t, err)

	err = env.backup.DeleteBackup(ctx, backup.ID, "owner-2")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, env.backup.DeleteBackup(ctx, backup.ID, "owner-1"))

	_, err = env.backup.RestoreFromBackup(ctx, backup.ID, "owner-1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestBackupService_ExportRequiresObjectStorage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.save.Create(ctx, "owner-1", 0, models.SaveTypeManual, testDocument(), models.Metadata{})
	require.NoError(t, err)

	backup, err := env.backup.CreateBackup(ctx, "owner-1", 0, models.BackupManual)
	require.NoError(t, err)

	_, err = env.backup.ExportBackup(ctx, backup.ID, "owner-1")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestBackupService_SweepExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.save.Create(ctx, "owner-1", 0, models.SaveTypeManual, testDocument(), models.Metadata{})
	require.NoError(t, err)

	_, err = env.backup.CreateBackup(ctx, "owner-1", 0, models.BackupScheduled)
	require.NoError(t, err)
	_, err = env.backup.CreateBackup(ctx, "owner-1", 0, models.BackupManual)
	require.NoError(t, err)

	// jump past the scheduled retention but not the manual one
	env.backup.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	deleted, err := env.backup.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := env.backup.ListBackups(ctx, "owner-1", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, models.BackupManual, remaining[0].Reason)
}
