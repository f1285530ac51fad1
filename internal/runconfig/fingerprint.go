package runconfig

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// FingerprintLen is the number of hex characters kept from the digest.
const FingerprintLen = 16

// Fingerprint returns a short stable digest of cfg. Map keys are sorted at
// every level before hashing, so insertion order never matters. Collisions
// at 64 bits are accepted.
func Fingerprint(cfg map[string]any) string {
	if cfg == nil {
		cfg = map[string]any{}
	}
	h := sha256.Sum256(Canonical(cfg))
	return hex.EncodeToString(h[:])[:FingerprintLen]
}

// Canonical renders v as compact JSON with sorted keys, no HTML escaping and
// numbers reduced to int64 or float64 form.
func Canonical(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(v)); err != nil {
		// normalize only yields encodable values
		return []byte(fmt.Sprint(v))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// normalize converts decoded YAML/JSON values into a small closed set of
// types that encoding/json renders deterministically.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return t.String()
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return uint64(t)
	case uint8:
		return uint64(t)
	case uint16:
		return uint64(t)
	case uint32:
		return uint64(t)
	case uint64:
		return t
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
