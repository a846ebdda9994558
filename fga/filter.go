package fga

import (
	"context"
	"errors"
	"fmt"
)

// Filter keeps the items a user may access.
//
// Contract:
//   - Concurrency: safe for concurrent use if the checker is.
//   - Ordering: results keep the input order; items are never copied or
//     mutated.
//   - Batching: identical checks are sent once, in one BatchCheck call.
type Filter[T any] struct {
	checker Checker
	build   func(T) Check
	key     func(T) string
}

// FilterOption configures a Filter.
type FilterOption[T any] func(*Filter[T])

// WithItemKey identifies equal items so the check of each distinct key is
// built once.
func WithItemKey[T any](fn func(T) string) FilterOption[T] {
	return func(f *Filter[T]) { f.key = fn }
}

// NewFilter creates a Filter building one check per item with build.
func NewFilter[T any](checker Checker, build func(T) Check, opts ...FilterOption[T]) (*Filter[T], error) {
	if checker == nil {
		return nil, errors.New("fga: checker is required")
	}
	if build == nil {
		return nil, errors.New("fga: check builder is required")
	}
	f := &Filter[T]{checker: checker, build: build}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Filter returns the allowed subset of items in input order.
func (f *Filter[T]) Filter(ctx context.Context, items []T) ([]T, error) {
	if len(items) == 0 {
		return []T{}, nil
	}

	checks := make([]Check, len(items))
	var memo map[string]Check
	if f.key != nil {
		memo = make(map[string]Check)
	}
	for i, item := range items {
		if memo == nil {
			checks[i] = f.build(item)
		} else {
			k := f.key(item)
			c, ok := memo[k]
			if !ok {
				c = f.build(item)
				memo[k] = c
			}
			checks[i] = c
		}
		if err := checks[i].Validate(); err != nil {
			return nil, err
		}
	}

	index := make(map[Check]int, len(checks))
	unique := make([]Check, 0, len(checks))
	for _, c := range checks {
		if _, ok := index[c]; !ok {
			index[c] = len(unique)
			unique = append(unique, c)
		}
	}

	allowed, err := f.checker.BatchCheck(ctx, unique)
	if err != nil {
		return nil, err
	}
	if len(allowed) != len(unique) {
		return nil, fmt.Errorf("fga: batch check returned %d results for %d checks", len(allowed), len(unique))
	}

	out := make([]T, 0, len(items))
	for i, item := range items {
		if allowed[index[checks[i]]] {
			out = append(out, item)
		}
	}
	return out, nil
}

// Result is the outcome of FilterAsync.
type Result[T any] struct {
	Items []T
	Err   error
}

// FilterAsync runs Filter in a goroutine. The channel yields exactly one
// Result and is then closed.
func (f *Filter[T]) FilterAsync(ctx context.Context, items []T) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		out, err := f.Filter(ctx, items)
		ch <- Result[T]{Items: out, Err: err}
	}()
	return ch
}
