package config

import (
	"flag"
	"os"
	"time"

	"github.com/avolkoff/savesync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-k string   hex-encoded AES-256 encryption key
//	-m int      number of numbered player slots
//	-n int      max backups kept per slot
//	-t int      conflict threshold, seconds
//	-i int      auto-save interval, minutes
//	-w int      maintenance tick, seconds
//	-x          keep decoded plaintext alongside ciphertext (debug)
//	-s          enable S3 offload of backup blobs
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers and converted to time.Duration.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-d", "-k", "-m", "-n", "-t", "-i", "-w", "-x", "-s", "-u", "-p", "-b", "-g", "-e",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.EncryptionKeyHex, "k", config.EncryptionKeyHex, "hex encryption key")

	fs.IntVar(&config.MaxSlots, "m", config.MaxSlots, "number of player slots")
	fs.IntVar(&config.MaxBackupsPerSlot, "n", config.MaxBackupsPerSlot, "max backups per slot")

	conflictThreshold := fs.Int("t", int(config.ConflictThreshold.Seconds()), "conflict threshold (in seconds)")
	autoSaveInterval := fs.Int("i", int(config.AutoSaveInterval.Minutes()), "auto-save interval (in minutes)")
	maintenanceTick := fs.Int("w", int(config.MaintenanceTick.Seconds()), "maintenance tick (in seconds)")

	fs.BoolVar(&config.DebugKeepPlaintext, "x", config.DebugKeepPlaintext, "keep decoded plaintext (debug)")

	fs.BoolVar(&config.S3Enabled, "s", config.S3Enabled, "enable S3 backup offload")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.ConflictThreshold = time.Duration(*conflictThreshold) * time.Second
	config.AutoSaveInterval = time.Duration(*autoSaveInterval) * time.Minute
	config.MaintenanceTick = time.Duration(*maintenanceTick) * time.Second
}
