// Package credctx binds the credentials of one protected tool invocation
// to its context.Context.
//
// A Scope is opened by an authorizer when Protect begins and closed on
// every exit path. Scopes never nest: opening one on a context that
// already carries an open Scope fails with authz.ErrNestedProtect.
// Concurrent invocations each derive their own context and never observe
// each other's Scope.
package credctx

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jonwraymond/toolguard/authz"
)

type contextKey int

const scopeKey contextKey = iota

// Values are the data held by a Scope.
type Values struct {
	// InvocationID uniquely identifies the protected invocation.
	InvocationID string

	// Invocation is the extracted invocation context.
	Invocation authz.InvocationContext

	// Connection is the federated connection, if any.
	Connection string

	// RequiredScopes are the scopes the authorizer requires.
	RequiredScopes []string

	// Credential is the credential obtained for the invocation.
	Credential *authz.Credential

	// GrantedScopes are the scopes actually granted.
	GrantedScopes []string
}

// Scope is the credential scope of a single protected invocation.
type Scope struct {
	mu     sync.RWMutex
	values Values
	closed bool
}

// Enter opens a Scope on ctx. It fails with authz.ErrNestedProtect when
// ctx already carries an open Scope. The caller must Close the Scope.
func Enter(ctx context.Context, init Values) (context.Context, *Scope, error) {
	if s, ok := ctx.Value(scopeKey).(*Scope); ok && s.open() {
		return ctx, nil, authz.ErrNestedProtect
	}
	if init.InvocationID == "" {
		init.InvocationID = uuid.NewString()
	}
	s := &Scope{values: init}
	return context.WithValue(ctx, scopeKey, s), s, nil
}

// Close ends the Scope and drops its credential. Close is idempotent.
func (s *Scope) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.values.Credential = nil
	s.mu.Unlock()
}

func (s *Scope) open() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Values returns a copy of the Scope's values.
func (s *Scope) Values() (Values, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Values{}, authz.ErrNoActiveContext
	}
	return s.values, nil
}

// Update applies fn to the Scope's values.
func (s *Scope) Update(fn func(*Values)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return authz.ErrNoActiveContext
	}
	fn(&s.values)
	return nil
}

// FromContext returns the open Scope carried by ctx.
func FromContext(ctx context.Context) (*Scope, error) {
	s, ok := ctx.Value(scopeKey).(*Scope)
	if !ok || !s.open() {
		return nil, authz.ErrNoActiveContext
	}
	return s, nil
}

// Active reports whether ctx carries an open Scope.
func Active(ctx context.Context) bool {
	_, err := FromContext(ctx)
	return err == nil
}

// Get returns the values of the Scope carried by ctx.
func Get(ctx context.Context) (Values, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return Values{}, err
	}
	return s.Values()
}

// Update applies fn to the values of the Scope carried by ctx.
func Update(ctx context.Context, fn func(*Values)) error {
	s, err := FromContext(ctx)
	if err != nil {
		return err
	}
	return s.Update(fn)
}

// Credential returns the credential of the current invocation. It is
// nil when the authorizer has not stored one yet.
func Credential(ctx context.Context) (*authz.Credential, error) {
	v, err := Get(ctx)
	if err != nil {
		return nil, err
	}
	return v.Credential, nil
}

// AccessToken returns the access token of the current invocation, or ""
// when no credential is stored.
func AccessToken(ctx context.Context) (string, error) {
	c, err := Credential(ctx)
	if err != nil || c == nil {
		return "", err
	}
	return c.AccessToken, nil
}
