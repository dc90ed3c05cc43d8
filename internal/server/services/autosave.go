package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/logging"
	"github.com/avolkoff/savesync/internal/schema"
	sc "github.com/avolkoff/savesync/internal/server/config"
	"github.com/avolkoff/savesync/internal/server/models"
)

// autoSaveConfig is the per-owner auto-save state. LastAutoSave gates the
// debounce window.
type autoSaveConfig struct {
	Enabled      bool
	SlotID       int
	Interval     time.Duration
	LastAutoSave time.Time
}

// queuedSave is a deferred auto-save waiting for the next flush.
type queuedSave struct {
	OwnerID  string
	SlotID   int
	Document schema.Document
	Metadata models.Metadata
	QueuedAt time.Time
}

// AutoSaveService debounces and batches auto-saves. Writes are queued and
// coalesced per (owner, slot); the newest queued document wins at flush time.
// Quick-saves bypass the queue entirely.
type AutoSaveService struct {
	saves  *SaveService
	config *sc.Config
	log    logging.Logger

	mu      sync.Mutex
	configs map[string]*autoSaveConfig
	queue   []queuedSave

	now func() time.Time
}

func NewAutoSaveService(saves *SaveService, cfg *sc.Config, log logging.Logger) *AutoSaveService {
	return &AutoSaveService{
		saves:   saves,
		config:  cfg,
		log:     log.With("module", "autosave_service"),
		configs: make(map[string]*autoSaveConfig),
		now:     time.Now,
	}
}

func (s *AutoSaveService) key(ownerID string, slotID int) string {
	return fmt.Sprintf("%s:%d", ownerID, slotID)
}

// Enable turns on auto-saving for an owner. slotID < 0 selects the reserved
// auto-save slot; interval <= 0 selects the configured default.
func (s *AutoSaveService) Enable(ownerID string, slotID int, interval time.Duration) error {
	if slotID < 0 {
		slotID = s.config.AutoSaveSlot()
	}
	if !s.config.ValidSlot(slotID) {
		return fmt.Errorf("%w: slot %d out of bounds", common.ErrValidation, slotID)
	}
	if interval <= 0 {
		interval = s.config.AutoSaveInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[ownerID] = &autoSaveConfig{
		Enabled:  true,
		SlotID:   slotID,
		Interval: interval,
	}
	return nil
}

// Disable turns off auto-saving for an owner. Already-queued saves still
// flush.
func (s *AutoSaveService) Disable(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.configs[ownerID]; ok {
		cfg.Enabled = false
	}
}

// QueueAutoSave accepts a document for deferred saving. Dropped silently
// when auto-save is disabled or the debounce window since the last flushed
// auto-save has not elapsed; the caller is a game loop and must never block
// on this. Within one window every offer is queued, so the flush writes the
// freshest document, not the first one.
func (s *AutoSaveService) QueueAutoSave(ownerID string, doc schema.Document, meta models.Metadata) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[ownerID]
	if !ok || !cfg.Enabled {
		return false
	}

	now := s.now()
	if !cfg.LastAutoSave.IsZero() && now.Sub(cfg.LastAutoSave) < cfg.Interval {
		return false
	}

	s.queue = append(s.queue, queuedSave{
		OwnerID:  ownerID,
		SlotID:   cfg.SlotID,
		Document: doc,
		Metadata: meta,
		QueuedAt: now,
	})
	return true
}

// Flush writes out the queued auto-saves, one per (owner, slot), keeping
// the newest queued document when several coalesce. The debounce clock only
// advances for owners whose write landed; a failed flush does not count as
// an auto-save. Failures are logged and do not stop the batch.
func (s *AutoSaveService) Flush(ctx context.Context) int {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	latest := make(map[string]queuedSave, len(pending))
	for _, q := range pending {
		k := s.key(q.OwnerID, q.SlotID)
		if cur, ok := latest[k]; !ok || q.QueuedAt.After(cur.QueuedAt) {
			latest[k] = q
		}
	}

	flushed := 0
	var done []string
	for _, q := range latest {
		if err := s.write(ctx, q.OwnerID, q.SlotID, models.SaveTypeAuto, q.Document, q.Metadata); err != nil {
			s.log.Error(ctx, "auto-save flush failed", "owner_id", q.OwnerID, "slot_id", q.SlotID, "error", err)
			continue
		}
		flushed++
		done = append(done, q.OwnerID)
	}

	s.mu.Lock()
	now := s.now()
	for _, ownerID := range done {
		if cfg, ok := s.configs[ownerID]; ok {
			cfg.LastAutoSave = now
		}
	}
	s.mu.Unlock()

	if flushed > 0 {
		s.log.Debug(ctx, "auto-save batch flushed", "count", flushed)
	}
	return flushed
}

// QuickSave writes doc to the reserved quick-save slot immediately, without
// debouncing.
func (s *AutoSaveService) QuickSave(ctx context.Context, ownerID string, doc schema.Document, meta models.Metadata) (*models.SaveRecord, error) {
	slot := s.config.QuickSaveSlot()
	if err := s.write(ctx, ownerID, slot, models.SaveTypeQuick, doc, meta); err != nil {
		return nil, err
	}
	return s.saves.repos.Saves(s.saves.db).GetByOwnerSlot(ctx, ownerID, slot)
}

// QuickLoad loads the reserved quick-save slot.
func (s *AutoSaveService) QuickLoad(ctx context.Context, ownerID string) (schema.Document, *models.SaveRecord, error) {
	return s.saves.Load(ctx, ownerID, s.config.QuickSaveSlot())
}

// write updates the slot if it exists, creates it otherwise.
func (s *AutoSaveService) write(ctx context.Context, ownerID string, slotID int,
	saveType models.SaveType, doc schema.Document, meta models.Metadata) error {

	_, err := s.saves.Update(ctx, ownerID, slotID, doc, &meta)
	if errors.Is(err, common.ErrNotFound) {
		_, err = s.saves.Create(ctx, ownerID, slotID, saveType, doc, meta)
	}
	return err
}
