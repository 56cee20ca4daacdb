package params

import (
	"strconv"
	"strings"

	"github.com/adhens/cyclone/pkg/schema"
)

// Extract walks a dot-path through nested mapping/sequence structures.
// Maps are indexed by key; sequences by a numeric segment (e.g.
// "result.items.0"). An empty path returns the value unchanged.
//
// Resolution is strict: a missing key, a non-numeric segment against a
// sequence, an out-of-range index, or a further segment against a scalar is
// an error, never a silent nil.
func Extract(value any, path string) (any, error) {
	if path == "" {
		return value, nil
	}

	current := value
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, pathError(path, segments[:i+1], "key %q not found", seg)
			}
			current = next

		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, pathError(path, segments[:i+1], "segment %q is not a valid sequence index", seg)
			}
			if idx < 0 || idx >= len(v) {
				return nil, pathError(path, segments[:i+1], "index %d out of range (length %d)", idx, len(v))
			}
			current = v[idx]

		default:
			return nil, pathError(path, segments[:i+1], "cannot descend into %T with segment %q", current, seg)
		}
	}
	return current, nil
}

func pathError(path string, walked []string, format string, args ...any) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeMissingParameter, format, args...).
		WithDetails(map[string]any{
			"path": path,
			"at":   strings.Join(walked, "."),
		})
}
