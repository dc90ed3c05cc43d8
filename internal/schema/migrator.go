package schema

import (
	"context"
	"fmt"

	"github.com/avolkoff/savesync/internal/common"
	"github.com/avolkoff/savesync/internal/logging"
)

// Migration transforms a payload from one version to the next. Migrate
// receives a private copy and may mutate it freely.
type Migration struct {
	FromVersion int
	ToVersion   int
	Migrate     func(Document) Document
}

// Migrator walks a payload through the ordered migration chain up to
// CurrentVersion.
type Migrator struct {
	migrations []Migration
	log        logging.Logger
}

func NewMigrator(log logging.Logger) *Migrator {
	return &Migrator{
		migrations: builtinMigrations(),
		log:        log.With("module", "schema_migrator"),
	}
}

// MigrateToCurrent returns doc migrated to CurrentVersion.
//
// A payload already at the current version is returned unchanged. A payload
// newer than this build understands is logged and returned unchanged so that
// downgraded servers do not destroy data. Otherwise migrations are applied
// stepwise; a gap in the chain fails with common.ErrUnsupportedMigration.
// The call is idempotent.
func (m *Migrator) MigrateToCurrent(ctx context.Context, doc Document) (Document, error) {
	version := Version(doc)

	if version == CurrentVersion {
		return doc, nil
	}

	if version > CurrentVersion {
		m.log.Warn(ctx, "payload version is newer than this build, leaving unchanged",
			"payload_version", version, "current_version", CurrentVersion)
		return doc, nil
	}

	out := deepCopy(doc)
	for version < CurrentVersion {
		step, ok := m.find(version)
		if !ok {
			return nil, fmt.Errorf("%w: from version %d", common.ErrUnsupportedMigration, version)
		}
		out = step.Migrate(out)
		out["version"] = step.ToVersion
		version = step.ToVersion
	}

	return out, nil
}

func (m *Migrator) find(fromVersion int) (Migration, bool) {
	for _, step := range m.migrations {
		if step.FromVersion == fromVersion {
			return step, true
		}
	}
	return Migration{}, false
}

// builtinMigrations is the ordered chain of payload migrations.
//
// v1 -> v2: inventory moves from the top level under playerState.
// v2 -> v3: progressState gains achievements and unlockedAreas.
func builtinMigrations() []Migration {
	return []Migration{
		{
			FromVersion: 1,
			ToVersion:   2,
			Migrate: func(doc Document) Document {
				inv, ok := doc["inventory"]
				if !ok {
					return doc
				}
				delete(doc, "inventory")
				player, ok := doc["playerState"].(Document)
				if !ok {
					player = Document{}
					doc["playerState"] = player
				}
				if _, exists := player["inventory"]; !exists {
					player["inventory"] = inv
				}
				return doc
			},
		},
		{
			FromVersion: 2,
			ToVersion:   3,
			Migrate: func(doc Document) Document {
				progress, ok := doc["progressState"].(Document)
				if !ok {
					progress = Document{}
					doc["progressState"] = progress
				}
				if _, exists := progress["achievements"]; !exists {
					progress["achievements"] = []any{}
				}
				if _, exists := progress["unlockedAreas"]; !exists {
					progress["unlockedAreas"] = []any{}
				}
				return doc
			},
		},
	}
}
