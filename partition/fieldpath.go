package partition

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fieldPathCache caches parsed partitioning field paths process-wide. The
// same field names recur across every index instance, so the cache stays
// tiny; the bound is a safety valve.
var fieldPathCache, _ = lru.New[string, []string](256)

func fieldPathFor(fieldName string) []string {
	if path, ok := fieldPathCache.Get(fieldName); ok {
		return path
	}
	path := strings.Split(fieldName, ".")
	fieldPathCache.Add(fieldName, path)
	return path
}

// extractTimestamp walks the dot-separated path through nested field maps
// and returns the timestamp value at the leaf.
func extractTimestamp(path []string, fields map[string]any) (int64, error) {
	cur := fields
	for i, component := range path {
		v, ok := cur[component]
		if !ok {
			return 0, fmt.Errorf("%w: field %q not found", ErrInvalidField, strings.Join(path, "."))
		}
		if i == len(path)-1 {
			switch ts := v.(type) {
			case int64:
				return ts, nil
			case int:
				return int64(ts), nil
			case int32:
				return int64(ts), nil
			default:
				return 0, fmt.Errorf("%w: field %q has type %T, want integer timestamp",
					ErrInvalidField, strings.Join(path, "."), v)
			}
		}
		cur, ok = v.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("%w: field %q is not nested", ErrInvalidField, component)
		}
	}
	return 0, fmt.Errorf("%w: empty path", ErrInvalidField)
}
