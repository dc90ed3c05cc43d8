package models

import "time"

// BackupReason is the event that triggered a snapshot. It determines the
// retention window.
type BackupReason string

const (
	BackupScheduled          BackupReason = "SCHEDULED"
	BackupPreUpdate          BackupReason = "PRE_UPDATE"
	BackupManual             BackupReason = "MANUAL"
	BackupConflict           BackupReason = "CONFLICT"
	BackupCorruptionDetected BackupReason = "CORRUPTION_DETECTED"
)

// BackupRecord is an append-only snapshot of a save's already-encoded blob.
// Checksum covers Data itself, independent of the source record's own
// checksum, so a corrupted source can still be diagnosed against its
// backups.
type BackupRecord struct {
	ID       string
	SaveID   string
	OwnerID  string
	SlotID   int
	Revision int64
	Reason   BackupReason

	Data     []byte
	Checksum []byte
	DataSize int

	// StorageKey is set when the blob was archived to object storage.
	StorageKey string

	CreatedAt time.Time
	ExpiresAt time.Time
}
