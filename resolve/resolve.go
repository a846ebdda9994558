// Package resolve models authorizer parameters that are either a fixed
// value or computed from the tool call arguments.
//
// A Resolver is Static, Func (synchronous) or Async (delivers its result on
// a channel). Callers always use Resolve, which hides the difference.
package resolve

import (
	"context"
	"errors"
)

// ErrUnset is returned when resolving a zero Resolver.
var ErrUnset = errors.New("resolve: resolver is not set")

// Kind identifies how a Resolver produces its value.
type Kind int

const (
	// KindUnset is the zero Resolver.
	KindUnset Kind = iota
	// KindStatic returns a fixed value.
	KindStatic
	// KindFunc calls a synchronous function.
	KindFunc
	// KindAsync calls a function that delivers its result on a channel.
	KindAsync
)

// Result is the value delivered by an asynchronous resolver.
type Result[T any] struct {
	Value T
	Err   error
}

// Resolver produces a value of type T for call arguments of type A.
// The zero Resolver is unset.
type Resolver[A, T any] struct {
	kind  Kind
	value T
	fn    func(context.Context, A) (T, error)
	async func(context.Context, A) <-chan Result[T]
}

// Static returns a Resolver that always yields v.
func Static[A, T any](v T) Resolver[A, T] {
	return Resolver[A, T]{kind: KindStatic, value: v}
}

// Func returns a Resolver that calls fn.
func Func[A, T any](fn func(ctx context.Context, args A) (T, error)) Resolver[A, T] {
	if fn == nil {
		return Resolver[A, T]{}
	}
	return Resolver[A, T]{kind: KindFunc, fn: fn}
}

// Async returns a Resolver that calls fn and waits for its first result.
func Async[A, T any](fn func(ctx context.Context, args A) <-chan Result[T]) Resolver[A, T] {
	if fn == nil {
		return Resolver[A, T]{}
	}
	return Resolver[A, T]{kind: KindAsync, async: fn}
}

// Kind returns how r produces its value.
func (r Resolver[A, T]) Kind() Kind {
	return r.kind
}

// IsSet reports whether r was configured.
func (r Resolver[A, T]) IsSet() bool {
	return r.kind != KindUnset
}

// Or returns r when it is set and def otherwise.
func (r Resolver[A, T]) Or(def Resolver[A, T]) Resolver[A, T] {
	if r.IsSet() {
		return r
	}
	return def
}

// Resolve produces the value for args. An asynchronous resolver is
// abandoned when ctx is done.
func (r Resolver[A, T]) Resolve(ctx context.Context, args A) (T, error) {
	var zero T
	switch r.kind {
	case KindStatic:
		return r.value, nil
	case KindFunc:
		return r.fn(ctx, args)
	case KindAsync:
		ch := r.async(ctx, args)
		if ch == nil {
			return zero, errors.New("resolve: async resolver returned a nil channel")
		}
		select {
		case res, ok := <-ch:
			if !ok {
				return zero, errors.New("resolve: async resolver closed without a result")
			}
			return res.Value, res.Err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	default:
		return zero, ErrUnset
	}
}
