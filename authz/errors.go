package authz

import (
	"errors"
	"fmt"
)

// ErrConfiguration is matched by every configuration error.
var ErrConfiguration = errors.New("authz: configuration error")

// Configuration errors. All of them match ErrConfiguration via errors.Is.
var (
	// ErrNestedProtect is returned when Protect is entered while another
	// protected invocation is active on the same context.
	ErrNestedProtect = &ConfigError{Reason: "protect cannot be nested in another protected invocation"}

	// ErrNoActiveContext is returned when credentials are read outside a
	// protected invocation.
	ErrNoActiveContext = &ConfigError{Reason: "no active credential context"}

	// ErrCredentialSource is returned when a federated authorizer is not
	// configured with exactly one subject credential source.
	ErrCredentialSource = &ConfigError{Reason: "exactly one of refresh token, subject access token or access token must be configured"}

	// ErrMissingParameter is returned when a required parameter resolves empty.
	ErrMissingParameter = &ConfigError{Reason: "missing required parameter"}
)

// ConfigError reports an authorizer used or configured incorrectly.
type ConfigError struct {
	// Reason describes the misconfiguration.
	Reason string

	// Param names the offending parameter, if any.
	Param string

	base *ConfigError
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("authz: %s: %s", e.Reason, e.Param)
	}
	return "authz: " + e.Reason
}

// Is reports whether e matches target. Every ConfigError matches
// ErrConfiguration, and a parameterized error matches its base sentinel.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfiguration {
		return true
	}
	t, ok := target.(*ConfigError)
	if !ok {
		return false
	}
	return t == e || (e.base != nil && t == e.base)
}

// MissingParameter returns an error matching ErrMissingParameter that names param.
func MissingParameter(param string) error {
	return &ConfigError{Reason: ErrMissingParameter.Reason, Param: param, base: ErrMissingParameter}
}

// InvalidParameter returns a configuration error naming param.
func InvalidParameter(param, reason string) error {
	return &ConfigError{Reason: reason, Param: param}
}

// FederatedConnectionError is a recoverable failure to obtain or use a
// federated connection credential. Authorizers convert it into a
// FederatedConnectionInterrupt; tools may also return it from execute when
// the third-party API rejects the token.
type FederatedConnectionError struct {
	Message string

	// StatusCode is the HTTP status returned by the provider, if any.
	StatusCode int
}

// Error returns the error message.
func (e *FederatedConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("federated connection: %s (status %d)", e.Message, e.StatusCode)
	}
	return "federated connection: " + e.Message
}
