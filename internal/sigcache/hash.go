package sigcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CanonicalJSON renders a decoded JSON value with object keys sorted at every
// depth, so semantically equal payloads hash identically regardless of the
// client's key order.
func CanonicalJSON(v interface{}) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case nil:
		b.WriteString("null")
	case string:
		sb, _ := json.Marshal(t)
		b.Write(sb)
	case json.Number:
		b.WriteString(t.String())
	case float64:
		// Integral floats print without a fractional part so 1 and 1.0 agree.
		if t == float64(int64(t)) {
			fmt.Fprintf(b, "%d", int64(t))
		} else {
			fmt.Fprintf(b, "%g", t)
		}
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	default:
		eb, _ := json.Marshal(t)
		b.Write(eb)
	}
}

// ContentHash hashes arbitrary content (typically assistant message content)
// after canonicalization.
func ContentHash(v interface{}) string {
	sum := sha256.Sum256([]byte(CanonicalJSON(v)))
	return hex.EncodeToString(sum[:])
}
