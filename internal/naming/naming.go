// Package naming converts object keys between the internal camelCase
// convention and the snake_case convention used on the wire.
//
// The two key transforms are exact inverses inside their domain: internal
// keys never contain an underscore followed by a lowercase ASCII letter,
// and wire keys never contain an uppercase ASCII letter. Keys such as "_id"
// and "userID" survive a round-trip ("_id" <-> "Id", "userID" <-> "user_i_d").
package naming

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// WireKey converts an internal camelCase key to snake_case.
func WireKey(key string) string {
	var builder strings.Builder
	builder.Grow(len(key) + 4)
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'A' && c <= 'Z' {
			builder.WriteByte('_')
			builder.WriteByte(c + ('a' - 'A'))
			continue
		}
		builder.WriteByte(c)
	}
	return builder.String()
}

// InternalKey converts a snake_case wire key to camelCase.
func InternalKey(key string) string {
	var builder strings.Builder
	builder.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '_' && i+1 < len(key) && key[i+1] >= 'a' && key[i+1] <= 'z' {
			builder.WriteByte(key[i+1] - ('a' - 'A'))
			i++
			continue
		}
		builder.WriteByte(c)
	}
	return builder.String()
}

// Keys rewrites every mapping key in value with transform, descending into
// nested mappings and sequences. Scalars are returned unchanged.
func Keys(value any, transform func(string) string) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			out[transform(key)] = Keys(nested, transform)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, nested := range typed {
			out[i] = Keys(nested, transform)
		}
		return out
	default:
		return value
	}
}

// ToWire rewrites the keys of a JSON document from camelCase to snake_case.
func ToWire(document []byte) ([]byte, error) {
	return rewrite(document, WireKey)
}

// ToInternal rewrites the keys of a JSON document from snake_case to camelCase.
func ToInternal(document []byte) ([]byte, error) {
	return rewrite(document, InternalKey)
}

// rewrite decodes with UseNumber so numeric values pass through without a
// float64 detour.
func rewrite(document []byte, transform func(string) string) ([]byte, error) {
	if len(bytes.TrimSpace(document)) == 0 {
		return document, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(document))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("naming: decode document: %w", err)
	}
	out, err := json.Marshal(Keys(value, transform))
	if err != nil {
		return nil, fmt.Errorf("naming: encode document: %w", err)
	}
	return out, nil
}
