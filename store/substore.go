package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SubStore is a typed view of a Store rooted at a base namespace. Values
// are JSON encoded.
type SubStore[T any] struct {
	backend Store
	base    Namespace
	ttl     func(*T) time.Duration
}

// SubStoreOption configures a SubStore.
type SubStoreOption[T any] func(*SubStore[T])

// WithTTL sets the policy computing an entry's TTL from its value. The
// default stores entries without expiry.
func WithTTL[T any](fn func(*T) time.Duration) SubStoreOption[T] {
	return func(s *SubStore[T]) {
		s.ttl = fn
	}
}

// NewSubStore returns a typed view of backend under base. A nil backend is
// replaced by a fresh MemoryStore.
func NewSubStore[T any](backend Store, base Namespace, opts ...SubStoreOption[T]) *SubStore[T] {
	if backend == nil {
		backend = NewMemoryStore()
	}
	s := &SubStore[T]{backend: backend, base: base.With()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying Store.
func (s *SubStore[T]) Backend() Store {
	return s.backend
}

// Base returns the base namespace.
func (s *SubStore[T]) Base() Namespace {
	return s.base.With()
}

// Get returns the value stored under ns and key.
func (s *SubStore[T]) Get(ctx context.Context, ns Namespace, key string) (*T, bool, error) {
	data, ok, err := s.backend.Get(ctx, s.base.With(ns...), key)
	if err != nil || !ok {
		return nil, false, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return &v, true, nil
}

// Put stores v, with a TTL from the store's policy.
func (s *SubStore[T]) Put(ctx context.Context, ns Namespace, key string, v *T) error {
	var ttl time.Duration
	if s.ttl != nil {
		ttl = s.ttl(v)
	}
	return s.PutTTL(ctx, ns, key, v, ttl)
}

// PutTTL stores v with an explicit TTL.
func (s *SubStore[T]) PutTTL(ctx context.Context, ns Namespace, key string, v *T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.backend.Put(ctx, s.base.With(ns...), key, data, ttl)
}

// Delete removes the value stored under ns and key.
func (s *SubStore[T]) Delete(ctx context.Context, ns Namespace, key string) error {
	return s.backend.Delete(ctx, s.base.With(ns...), key)
}
