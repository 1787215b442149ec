package searchkv

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/storedfields"
)

// Document is one record to index. Fields maps field names to values;
// nested records use nested maps, addressed by dot-separated paths. Every
// field is persisted in the document's stored-fields record; string fields
// are additionally tokenized and indexed for search.
type Document struct {
	PrimaryKey int64
	// Group is the grouping key separating independent logical indexes
	// within the subspace. Nil means ungrouped.
	Group  tuple.Tuple
	Fields map[string]any
}

// flattenFields walks nested field maps into dot-separated leaf paths.
func flattenFields(prefix string, fields map[string]any, out map[string]any) {
	for name, v := range fields {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if nested, ok := v.(map[string]any); ok {
			flattenFields(path, nested, out)
			continue
		}
		out[path] = v
	}
}

// buildStored converts a document's fields into a stored-fields record.
// Field numbers are assigned by sorted field path; the returned names
// slice maps numbers back to paths. text is the concatenation of all
// string fields, the content the segment indexes.
func buildStored(fields map[string]any) (names []string, rec storedfields.Record, text string, err error) {
	flat := make(map[string]any, len(fields))
	flattenFields("", fields, flat)

	names = make([]string, 0, len(flat))
	for name := range flat {
		names = append(names, name)
	}
	sort.Strings(names)

	var textParts []string
	for number, name := range names {
		value, err := fieldValueOf(flat[name])
		if err != nil {
			return nil, nil, "", fmt.Errorf("field %q: %w", name, err)
		}
		rec = append(rec, storedfields.Field{Number: int32(number), Value: value})
		if s, ok := flat[name].(string); ok {
			textParts = append(textParts, s)
		}
	}
	return names, rec, strings.Join(textParts, " "), nil
}

// fieldValueOf maps a Go value onto the stored-fields tagged sum. The
// mapping is exact; there is no numeric widening.
func fieldValueOf(v any) (storedfields.FieldValue, error) {
	switch t := v.(type) {
	case int32:
		return storedfields.Int32Value(t), nil
	case int64:
		return storedfields.Int64Value(t), nil
	case int:
		return storedfields.Int64Value(int64(t)), nil
	case float32:
		return storedfields.Float32Value(t), nil
	case float64:
		return storedfields.Float64Value(t), nil
	case []byte:
		return storedfields.BytesValue(t), nil
	case string:
		return storedfields.StringValue(t), nil
	default:
		return storedfields.FieldValue{}, fmt.Errorf("%w: unsupported stored field type %T", ErrInvalidField, v)
	}
}

// fieldsFromRecord rebuilds the flat field map of a stored-fields record,
// using the segment's field-number-to-path table.
func fieldsFromRecord(names []string, rec storedfields.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for _, f := range rec {
		name := fmt.Sprintf("field_%d", f.Number)
		if int(f.Number) < len(names) {
			name = names[f.Number]
		}
		switch f.Value.Type() {
		case storedfields.TypeInt32:
			out[name] = f.Value.Int32()
		case storedfields.TypeInt64:
			out[name] = f.Value.Int64()
		case storedfields.TypeFloat32:
			out[name] = f.Value.Float32()
		case storedfields.TypeFloat64:
			out[name] = f.Value.Float64()
		case storedfields.TypeBytes:
			out[name] = f.Value.Bytes()
		case storedfields.TypeString:
			out[name] = f.Value.String()
		}
	}
	return out
}
