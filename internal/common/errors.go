// Package common defines shared sentinel errors used across the save engine.
// Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Input errors (bad slot id, malformed payload shape, duplicate slot).
	ErrValidation = errors.New("validation error")

	// Repository-level errors.
	ErrNotFound = errors.New("not found")
	ErrStorage  = errors.New("storage error")

	// Divergence that requires explicit resolution, and revision mismatches
	// on optimistic updates.
	ErrConflict = errors.New("conflict")

	// Checksum or auth-tag verification failure. Never retried or masked;
	// the affected record is flagged corrupted.
	ErrIntegrity = errors.New("integrity error")

	// No empty slot available for allocation.
	ErrCapacity = errors.New("no free slot")

	// Payload versioning errors.
	ErrUnsupportedMigration = errors.New("no migration path")
	ErrUnsupportedCodec     = errors.New("unsupported codec")
)
