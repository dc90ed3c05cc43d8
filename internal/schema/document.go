// Package schema defines the decoded save payload document: its canonical
// default shape, structural validation, default-filling, and stepwise
// migration between payload versions.
package schema

// Document is a decoded save payload. It always carries a numeric "version"
// field at the top level once persisted.
type Document = map[string]any

// CurrentVersion is the payload version written by this build.
const CurrentVersion = 3

// Version extracts the payload version from doc. Documents without a
// recognizable version are treated as version 1 (the pre-versioning shape).
func Version(doc Document) int {
	switch v := doc["version"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// encoding/json decodes numbers as float64.
		return int(v)
	default:
		return 1
	}
}

// DefaultDocument returns the canonical payload for the current version.
// Callers get a fresh deep copy on every call.
func DefaultDocument() Document {
	return Document{
		"version": CurrentVersion,
		"gameState": Document{
			"scene":          "start",
			"level":          1,
			"difficulty":     "normal",
			"elapsedSeconds": 0,
		},
		"playerState": Document{
			"health":    100,
			"energy":    100,
			"position":  Document{"x": 0, "y": 0},
			"inventory": []any{},
		},
		"progressState": Document{
			"completedLevels": []any{},
			"achievements":    []any{},
			"unlockedAreas":   []any{},
		},
	}
}

// requiredSections are the top-level sections every payload must carry.
var requiredSections = []string{"gameState", "playerState", "progressState"}

func deepCopy(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch value := v.(type) {
	case Document:
		return deepCopy(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = copyValue(item)
		}
		return out
	default:
		return value
	}
}
