package backups

import (
	"context"
	"time"

	"github.com/avolkoff/savesync/internal/server/models"
)

type Repository interface {
	// Create inserts a backup row.
	Create(ctx context.Context, backup *models.BackupRecord) error

	// GetByID returns a backup or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.BackupRecord, error)

	// ListBySlot returns a slot's backups, newest first.
	ListBySlot(ctx context.Context, ownerID string, slotID int) ([]*models.BackupRecord, error)

	// Delete removes a backup by id or returns common.ErrNotFound.
	Delete(ctx context.Context, id string) error

	// PruneSlot removes all but the newest keep backups of a slot and
	// reports how many rows were deleted.
	PruneSlot(ctx context.Context, ownerID string, slotID int, keep int) (int64, error)

	// DeleteExpired removes every backup whose expiry has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// SetStorageKey records the object-storage key of an archived blob.
	SetStorageKey(ctx context.Context, id string, key string) error
}
