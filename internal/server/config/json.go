package config

import (
	"encoding/json"
	"os"

	"github.com/avolkoff/savesync/internal/flagx"
	"github.com/avolkoff/savesync/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "60s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN           string         `json:"database_dsn"`
	EncryptionKeyHex      string         `json:"encryption_key_hex"`
	MaxSlots              int            `json:"max_slots"`
	MaxBackupsPerSlot     int            `json:"max_backups_per_slot"`
	ConflictThreshold     timex.Duration `json:"conflict_threshold"`
	RetentionManualDays   int            `json:"retention_manual_days"`
	RetentionConflictDays int            `json:"retention_conflict_days"`
	RetentionDefaultDays  int            `json:"retention_default_days"`
	AutoSaveInterval      timex.Duration `json:"auto_save_interval"`
	MaintenanceTick       timex.Duration `json:"maintenance_tick"`
	DebugKeepPlaintext    bool           `json:"debug_keep_plaintext"`
	S3Enabled             bool           `json:"s3_enabled"`
	S3RootUser            string         `json:"s3_root_user"`
	S3RootPassword        string         `json:"s3_root_password"`
	S3Bucket              string         `json:"s3_bucket"`
	S3Region              string         `json:"s3_region"`
	S3BaseEndpoint        string         `json:"s3_base_endpoint"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; if neither
// is set, no JSON file is loaded. Only fields present in the file override
// the current values. If the file cannot be read or contains invalid JSON,
// the function panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(data, c); err != nil {
		panic(err)
	}

	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.EncryptionKeyHex != "" {
		config.EncryptionKeyHex = c.EncryptionKeyHex
	}
	if c.MaxSlots > 0 {
		config.MaxSlots = c.MaxSlots
	}
	if c.MaxBackupsPerSlot > 0 {
		config.MaxBackupsPerSlot = c.MaxBackupsPerSlot
	}
	if c.ConflictThreshold.Duration > 0 {
		config.ConflictThreshold = c.ConflictThreshold.Duration
	}
	if c.RetentionManualDays > 0 {
		config.RetentionManualDays = c.RetentionManualDays
	}
	if c.RetentionConflictDays > 0 {
		config.RetentionConflictDays = c.RetentionConflictDays
	}
	if c.RetentionDefaultDays > 0 {
		config.RetentionDefaultDays = c.RetentionDefaultDays
	}
	if c.AutoSaveInterval.Duration > 0 {
		config.AutoSaveInterval = c.AutoSaveInterval.Duration
	}
	if c.MaintenanceTick.Duration > 0 {
		config.MaintenanceTick = c.MaintenanceTick.Duration
	}
	if c.DebugKeepPlaintext {
		config.DebugKeepPlaintext = true
	}
	if c.S3Enabled {
		config.S3Enabled = true
	}
	if c.S3RootUser != "" {
		config.S3RootUser = c.S3RootUser
	}
	if c.S3RootPassword != "" {
		config.S3RootPassword = c.S3RootPassword
	}
	if c.S3Bucket != "" {
		config.S3Bucket = c.S3Bucket
	}
	if c.S3Region != "" {
		config.S3Region = c.S3Region
	}
	if c.S3BaseEndpoint != "" {
		config.S3BaseEndpoint = c.S3BaseEndpoint
	}
}
