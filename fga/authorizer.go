package fga

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/resolve"
)

type allowedKey struct{}

// Allowed reports whether the check of the current protected invocation
// passed. It is false outside Authorizer.Protect.
func Allowed(ctx context.Context) bool {
	ok, _ := ctx.Value(allowedKey{}).(bool)
	return ok
}

// Authorizer guards tool invocations with a single relationship check.
type Authorizer[A any] struct {
	checker Checker
	query   resolve.Resolver[A, Check]
	mw      *observe.Middleware
	meta    observe.Meta
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*authorizerOptions)

type authorizerOptions struct {
	mw *observe.Middleware
}

// WithMiddleware instruments Protect.
func WithMiddleware(mw *observe.Middleware) AuthorizerOption {
	return func(o *authorizerOptions) { o.mw = mw }
}

// NewAuthorizer creates an Authorizer building its check from the call
// arguments with query.
func NewAuthorizer[A any](checker Checker, query resolve.Resolver[A, Check], opts ...AuthorizerOption) (*Authorizer[A], error) {
	if checker == nil {
		return nil, authz.InvalidParameter("checker", "relationship checker is required")
	}
	if !query.IsSet() {
		return nil, authz.MissingParameter("build_query")
	}
	o := authorizerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	return &Authorizer[A]{
		checker: checker,
		query:   query,
		mw:      o.mw,
		meta:    observe.Meta{Authorizer: "fga"},
	}, nil
}

// Authorize performs the check for args at higher consistency.
func (a *Authorizer[A]) Authorize(ctx context.Context, args A) (bool, error) {
	c, err := a.query.Resolve(ctx, args)
	if err != nil {
		return false, err
	}
	if err := c.Validate(); err != nil {
		return false, err
	}
	return a.checker.Check(ctx, c, ConsistencyHigherConsistency)
}

// Protect runs execute with the check decision available through
// Allowed, leaving the response to a denial to the tool. A failed check
// returns an error matching ErrNotAllowed that wraps its cause.
func (a *Authorizer[A]) Protect(execute authz.ExecuteFunc[A]) authz.ExecuteFunc[A] {
	return observe.Instrument(a.mw, a.meta, func(ctx context.Context, args A) (any, error) {
		allowed, err := a.Authorize(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotAllowed, err)
		}
		return execute(context.WithValue(ctx, allowedKey{}, allowed), args)
	})
}

// Require is Protect for tools that must not run on a denial; it returns
// ErrNotAllowed instead of calling execute.
func (a *Authorizer[A]) Require(execute authz.ExecuteFunc[A]) authz.ExecuteFunc[A] {
	return a.Protect(func(ctx context.Context, args A) (any, error) {
		if !Allowed(ctx) {
			return nil, ErrNotAllowed
		}
		return execute(ctx, args)
	})
}

// IsNotAllowed reports whether err is a denial from Protect.
func IsNotAllowed(err error) bool {
	return errors.Is(err, ErrNotAllowed)
}
