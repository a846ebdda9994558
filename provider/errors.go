package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes returned by the provider.
const (
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeAccessDenied         = "access_denied"
	CodeExpiredToken         = "expired_token"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidRequest       = "invalid_request"
)

// Sentinel errors. An *Error matches the sentinel of its code.
var (
	ErrAuthorizationPending = errors.New("provider: authorization pending")
	ErrSlowDown             = errors.New("provider: slow down")
	ErrAccessDenied         = errors.New("provider: access denied")
	ErrExpiredToken         = errors.New("provider: expired token")
	ErrInvalidGrant         = errors.New("provider: invalid grant")
	ErrInvalidRequest       = errors.New("provider: invalid request")

	// ErrServer is matched by every 5xx response.
	ErrServer = errors.New("provider: server error")

	// ErrTransport wraps failures to reach the provider at all.
	ErrTransport = errors.New("provider: transport error")

	// ErrCircuitOpen is returned without calling the provider while the
	// circuit breaker is open.
	ErrCircuitOpen = errors.New("provider: circuit breaker is open")
)

var codeSentinels = map[string]error{
	CodeAuthorizationPending: ErrAuthorizationPending,
	CodeSlowDown:             ErrSlowDown,
	CodeAccessDenied:         ErrAccessDenied,
	CodeExpiredToken:         ErrExpiredToken,
	CodeInvalidGrant:         ErrInvalidGrant,
	CodeInvalidRequest:       ErrInvalidRequest,
}

// Error is an error response from the provider.
type Error struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Error returns the error message.
func (e *Error) Error() string {
	code := e.Code
	if code == "" {
		code = http.StatusText(e.StatusCode)
	}
	if e.Description != "" {
		return fmt.Sprintf("provider: %s: %s (status %d)", code, e.Description, e.StatusCode)
	}
	return fmt.Sprintf("provider: %s (status %d)", code, e.StatusCode)
}

// Is matches the sentinel for the error code, and ErrServer for 5xx.
func (e *Error) Is(target error) bool {
	if target == ErrServer {
		return e.StatusCode >= 500
	}
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// ClientError reports whether the provider rejected the request (4xx).
func (e *Error) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
