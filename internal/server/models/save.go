// Package models defines the persistent rows of the save engine.
package models

import "time"

// SaveType classifies how a save was produced.
type SaveType string

const (
	SaveTypeAuto   SaveType = "auto"
	SaveTypeManual SaveType = "manual"
	SaveTypeQuick  SaveType = "quicksave"
)

// SyncStatus classifies divergence between the local and the authoritative
// copy of a slot.
type SyncStatus string

const (
	SyncLocalOnly  SyncStatus = "LOCAL_ONLY"
	SyncCloudOnly  SyncStatus = "CLOUD_ONLY"
	SyncSynced     SyncStatus = "SYNCED"
	SyncLocalNewer SyncStatus = "LOCAL_NEWER"
	SyncCloudNewer SyncStatus = "CLOUD_NEWER"
	SyncConflict   SyncStatus = "CONFLICT"
)

// Metadata is caller-facing slot metadata, stored as JSON.
type Metadata struct {
	SlotName        string            `json:"slot_name,omitempty"`
	PlaytimeSeconds int64             `json:"playtime_seconds,omitempty"`
	Custom          map[string]string `json:"custom,omitempty"`
}

// SaveRecord is one save slot: the encoded payload plus everything needed
// to decode and verify it. One row per (OwnerID, SlotID).
//
// Checksum is computed over the compressed, pre-encryption bytes and is
// verified after decryption, before decompression — independent of the
// GCM auth tag.
type SaveRecord struct {
	ID            string
	OwnerID       string
	SlotID        int
	SaveType      SaveType
	SchemaVersion int
	Revision      int64
	Metadata      Metadata

	Ciphertext        []byte
	ChecksumAlgorithm string
	Checksum          []byte

	CompressionAlgorithm string
	OriginalSize         int
	CompressedSize       int

	EncryptionAlgorithm string
	IV                  []byte
	AuthTag             []byte

	// Plaintext holds the decoded document only when debug retention is
	// enabled. Never consulted on load.
	Plaintext []byte

	SyncStatus       SyncStatus
	LastModifiedAt   time.Time
	LastSyncedAt     *time.Time
	IsCorrupted      bool
	CorruptionReason string

	LoadCount int64
	SaveCount int64

	CreatedAt time.Time
}
