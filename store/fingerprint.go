package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint returns a deterministic identifier for v: the first 16 bytes
// of SHA-256 over its canonical JSON form, hex encoded. Object keys are
// sorted at every level, so equal values always share a fingerprint.
func Fingerprint(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("store: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16]), nil
}

// Canonicalize produces a deterministic JSON encoding of v.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalize(generic)
}

func canonicalize(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		return json.Marshal(v)
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, '}'), nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}
		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, ']'), nil
}

// HashKey derives a store key from parts. Parts may contain any
// characters, including the namespace separator.
func HashKey(parts ...string) string {
	if parts == nil {
		parts = []string{}
	}
	k, _ := Fingerprint(parts)
	return k
}
