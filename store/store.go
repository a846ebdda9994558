package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length of a flattened key.
const MaxKeyLength = 512

// Sentinel errors for store operations.
var (
	ErrNilStore   = errors.New("store: store is nil")
	ErrInvalidKey = errors.New("store: key is invalid")
	ErrKeyTooLong = errors.New("store: key exceeds max length")
)

// Namespace is a hierarchical key prefix.
type Namespace []string

// With returns a copy of ns extended by parts.
func (ns Namespace) With(parts ...string) Namespace {
	out := make(Namespace, 0, len(ns)+len(parts))
	out = append(out, ns...)
	return append(out, parts...)
}

// Store is a namespaced key/value store with per-entry TTL.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use. Get, Put
// and Delete are individually atomic per key; nothing else is promised.
// - TTL: ttl <= 0 stores the value until it is deleted.
// - Errors: Get returns (nil, false, nil) on miss. Delete is idempotent.
type Store interface {
	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, ns Namespace, key string) error
}

// FlatKey joins ns and key with ':' and validates the result.
func FlatKey(ns Namespace, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidKey
	}
	for _, part := range ns {
		if strings.Contains(part, ":") {
			return "", ErrInvalidKey
		}
	}
	flat := key
	if len(ns) > 0 {
		flat = strings.Join(ns, ":") + ":" + key
	}
	if err := ValidateKey(flat); err != nil {
		return "", err
	}
	return flat, nil
}

// ValidateKey checks that a flattened key is usable by every backend.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}
