package fga

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotAllowed is returned by Authorizer.Protect when the check denies
// the invocation or cannot be performed.
var ErrNotAllowed = errors.New("fga: the user is not allowed to perform the action")

// Check is a relationship tuple to check, e.g. user "user:anne",
// relation "viewer", object "doc:roadmap".
type Check struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

func (c Check) String() string {
	return c.User + " " + c.Relation + " " + c.Object
}

// Validate reports a check with a missing field.
func (c Check) Validate() error {
	switch {
	case c.User == "":
		return fmt.Errorf("fga: check %q: user is required", c)
	case c.Relation == "":
		return fmt.Errorf("fga: check %q: relation is required", c)
	case c.Object == "":
		return fmt.Errorf("fga: check %q: object is required", c)
	}
	return nil
}

// Consistency selects the read consistency of a check.
type Consistency string

const (
	ConsistencyUnspecified       Consistency = "UNSPECIFIED"
	ConsistencyMinimizeLatency   Consistency = "MINIMIZE_LATENCY"
	ConsistencyHigherConsistency Consistency = "HIGHER_CONSISTENCY"
)

// Checker performs relationship checks.
type Checker interface {
	// BatchCheck returns one decision per check, in order.
	BatchCheck(ctx context.Context, checks []Check) ([]bool, error)

	// Check returns a single decision.
	Check(ctx context.Context, c Check, consistency Consistency) (bool, error)
}

// CheckerFunc adapts a per-check function to Checker. BatchCheck calls it
// sequentially.
type CheckerFunc func(ctx context.Context, c Check) (bool, error)

func (f CheckerFunc) BatchCheck(ctx context.Context, checks []Check) ([]bool, error) {
	out := make([]bool, len(checks))
	for i, c := range checks {
		ok, err := f(ctx, c)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

func (f CheckerFunc) Check(ctx context.Context, c Check, _ Consistency) (bool, error) {
	return f(ctx, c)
}
