package ciba

import (
	"errors"
	"fmt"

	"github.com/jonwraymond/toolguard/authz"
)

// State is the state of a pending authorization.
type State string

// Authorization states.
const (
	StateInitiated State = "INITIATED"
	StatePending   State = "PENDING"
	StateApproved  State = "APPROVED"
	StateRejected  State = "REJECTED"
	StateExpired   State = "EXPIRED"
	StateResumed   State = "RESUMED"
	StateClosed    State = "CLOSED"
)

var transitions = map[State][]State{
	StateInitiated: {StatePending},
	StatePending:   {StatePending, StateApproved, StateRejected, StateExpired},
	StateApproved:  {StateResumed},
	StateRejected:  {StateResumed},
	StateExpired:   {StateResumed},
	StateResumed:   {StateClosed},
}

// ErrInvalidTransition is returned for a transition the state machine
// does not allow.
var ErrInvalidTransition = errors.New("ciba: invalid state transition")

// ErrRequestResolved is returned when a resolved request is checked again.
var ErrRequestResolved = errors.New("ciba: authorization request already resolved")

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Resolved reports whether the user's decision, or the expiry, is known.
func (s State) Resolved() bool {
	switch s {
	case StateApproved, StateRejected, StateExpired:
		return true
	}
	return false
}

// Status is the result of one non-blocking check.
type Status string

// Check statuses.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// State returns the authorization state a check status leads to.
func (s Status) State() State {
	switch s {
	case StatusApproved:
		return StateApproved
	case StatusRejected:
		return StateRejected
	case StatusExpired:
		return StateExpired
	default:
		return StatePending
	}
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	Status     Status
	Credential *authz.Credential
}

// Pending is the stored record of an authorization started by an
// interrupt-mode Protect.
type Pending struct {
	State   State                      `json:"state"`
	Request authz.AuthorizationRequest `json:"request"`
	UserID  string                     `json:"user_id"`
	ToolID  string                     `json:"tool_id,omitempty"`
	TaskID  string                     `json:"task_id,omitempty"`

	// Credential is set once the request is approved.
	Credential *authz.Credential `json:"credential,omitempty"`

	// Notified is set once the resolution was delivered to the host.
	Notified bool `json:"notified,omitempty"`
}

// Transition moves p to next.
func (p *Pending) Transition(next State) error {
	if !p.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, next)
	}
	p.State = next
	return nil
}

// interruptFor returns the interrupt reported for a resolved request that
// was not approved.
func interruptFor(s State, req authz.AuthorizationRequest) authz.Interrupt {
	switch s {
	case StateRejected:
		return &authz.AccessDenied{Request: req}
	case StateExpired:
		return &authz.AuthorizationExpired{Request: req}
	default:
		return &authz.AuthorizationPending{Request: req}
	}
}
