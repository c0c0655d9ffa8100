// Package canonical serializes JSON-like values into a deterministic textual
// form used as hashing input. Mappings encode with keys sorted bytewise, so two
// values with the same logical content produce the same bytes regardless of
// construction or wire order.
package canonical

import (
	"encoding/json"
	"sort"
	"strings"
)

// Encode renders a JSON-like value (nil, bool, number, string, []any, ordered
// slices, map[string]any) into its canonical form. It is total: values json
// cannot represent encode as null rather than failing.
func Encode(v any) string {
	var b strings.Builder
	encodeValue(&b, v)
	return b.String()
}

func encodeValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		encodeMap(b, val)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeValue(b, item)
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeScalar(b, item)
		}
		b.WriteByte(']')
	case []map[string]any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeMap(b, item)
		}
		b.WriteByte(']')
	default:
		encodeScalar(b, val)
	}
}

func encodeMap(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeScalar(b, k)
		b.WriteByte(':')
		encodeValue(b, m[k])
	}
	b.WriteByte('}')
}

// encodeScalar writes the standard JSON text form of a scalar. Structs and
// other composites that reach here go through json first so their field order
// never leaks into the output.
func encodeScalar(b *strings.Builder, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.WriteString("null")
		return
	}
	// Composite values produced by json (e.g. numbers decoded as json.Number,
	// or struct values) may still contain maps; re-walk them.
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		var decoded any
		if json.Unmarshal(data, &decoded) == nil {
			encodeValue(b, decoded)
			return
		}
	}
	b.Write(data)
}
