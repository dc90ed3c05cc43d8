package schema

import (
	"fmt"
	"strings"

	"github.com/avolkoff/savesync/internal/common"
)

// ValidateStructure checks that doc carries the required top-level sections
// and that each is an object. A nil doc is rejected outright. The returned
// error wraps common.ErrValidation and lists every problem found.
func ValidateStructure(doc Document) error {
	if doc == nil {
		return fmt.Errorf("%w: payload is empty", common.ErrValidation)
	}

	var problems []string
	for _, section := range requiredSections {
		v, ok := doc[section]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing section %q", section))
			continue
		}
		if _, ok := v.(Document); !ok {
			problems = append(problems, fmt.Sprintf("section %q is not an object", section))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", common.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// MergeWithDefaults deep-merges partial over the canonical default document
// and stamps the current version. Caller-provided values always win, and
// nested fields absent from the defaults are preserved.
func MergeWithDefaults(partial Document) Document {
	merged := deepMerge(DefaultDocument(), partial)
	merged["version"] = CurrentVersion
	return merged
}

// Merge deep-merges src over dst and returns the result without mutating
// either argument.
func Merge(dst, src Document) Document {
	return deepMerge(deepCopy(dst), src)
}

// deepMerge overlays src on top of dst, recursing into objects. dst is
// mutated and returned; src values replace anything that is not an object
// on both sides.
func deepMerge(dst, src Document) Document {
	for k, sv := range src {
		if sm, ok := sv.(Document); ok {
			if dm, ok := dst[k].(Document); ok {
				dst[k] = deepMerge(dm, sm)
				continue
			}
			dst[k] = deepCopy(sm)
			continue
		}
		dst[k] = copyValue(sv)
	}
	return dst
}
