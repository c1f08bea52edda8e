// Package common holds small utilities shared across components that must
// agree on the same derived value — today, just the canonical-JSON digest
// used by both the cache key (C2) and the tool-call idempotency key (C8),
// so both derivations always agree on one canonical form.
package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// Canonicalize normalizes an arbitrary JSON-ish value (the result of
// unmarshalling a tool-call's arguments) so that two semantically equal
// argument trees — differing only in object key order, string padding, or
// float precision — produce byte-identical canonical JSON.
//
// Rules (matching the corpus's json.Marshal-based canonical forms
// and the Python source's _normalize_value):
//   - object keys are sorted lexicographically
//   - strings are trimmed of leading/trailing whitespace
//   - floats are rounded to 10 decimal places
func Canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Canonicalize(val)
		}
		return out
	case string:
		return strings.TrimSpace(t)
	case float64:
		return roundTo(t, 10)
	default:
		return v
	}
}

func roundTo(f float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(f*shift) / shift
}

// CanonicalJSON marshals v (after Canonicalize) with sorted map keys and no
// extraneous whitespace. Go's encoding/json already sorts map[string]any keys
// when marshalling, so this is mostly Canonicalize + a compact Marshal.
func CanonicalJSON(v any) ([]byte, error) {
	normalized := Canonicalize(v)
	return json.Marshal(normalized)
}

// CanonicalJSONFromRaw canonicalizes a raw JSON document (e.g. tool-call
// arguments received as json.RawMessage) by unmarshalling into a generic
// any, normalizing, and re-marshalling.
func CanonicalJSONFromRaw(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return CanonicalJSON(v)
}

// ArgsHash returns the hex-encoded SHA-256 of the canonical JSON form of raw
// tool-call arguments.
func ArgsHash(raw []byte) (string, error) {
	canon, err := CanonicalJSONFromRaw(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ContentDigest returns the hex-encoded SHA-256 of a tool-call result's raw
// bytes, stored as ToolCallLog.result_digest instead of the full payload.
func ContentDigest(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// SortedKeys is a small helper used by components that need deterministic
// iteration order over a map (e.g. building tag lists).
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
