package saves

import (
	"context"
	"time"

	"github.com/avolkoff/savesync/internal/server/models"
)

type Repository interface {
	// Create inserts a new save row. A duplicate (owner, slot) surfaces
	// common.ErrValidation.
	Create(ctx context.Context, save *models.SaveRecord) error

	// Update rewrites the mutable columns of a save. The write only lands
	// when the stored revision still equals expectedRevision; otherwise
	// common.ErrConflict is returned.
	Update(ctx context.Context, save *models.SaveRecord, expectedRevision int64) error

	// GetByOwnerSlot returns the save for (owner, slot) or common.ErrNotFound.
	GetByOwnerSlot(ctx context.Context, ownerID string, slotID int) (*models.SaveRecord, error)

	// ListByOwner returns all of an owner's saves ordered by slot id.
	ListByOwner(ctx context.Context, ownerID string) ([]*models.SaveRecord, error)

	// Delete removes the save for (owner, slot) or returns common.ErrNotFound.
	Delete(ctx context.Context, ownerID string, slotID int) error

	// IncrementLoadCount bumps the load counter after a successful load.
	IncrementLoadCount(ctx context.Context, id string) error

	// MarkCorrupted flags a save as corrupted with a reason.
	MarkCorrupted(ctx context.Context, id string, reason string) error

	// SetSyncStatus updates the sync classification and, when non-nil, the
	// last-synced timestamp.
	SetSyncStatus(ctx context.Context, id string, status models.SyncStatus, lastSyncedAt *time.Time) error
}
