package authz

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code identifies an interrupt kind. Codes are stable and safe to persist.
type Code string

// Interrupt codes.
const (
	CodeAuthorizationPending      Code = "CIBA_AUTHORIZATION_PENDING"
	CodeAuthorizationPollingError Code = "CIBA_AUTHORIZATION_POLLING_ERROR"
	CodeAccessDenied              Code = "CIBA_ACCESS_DENIED"
	CodeAuthorizationExpired      Code = "CIBA_AUTHORIZATION_REQUEST_EXPIRED"
	CodeInvalidGrant              Code = "CIBA_INVALID_GRANT"
	CodeUserLacksPushChannel      Code = "CIBA_USER_DOES_NOT_HAVE_PUSH_NOTIFICATIONS"
	CodeFederatedConnection       Code = "FEDERATED_CONNECTION_ERROR"
)

// Interrupt is a recoverable condition raised by an authorizer. It carries
// enough data for the host to surface it to the user and retry later.
//
// The set of interrupts is closed; the concrete types are declared in this
// package.
type Interrupt interface {
	error
	json.Marshaler

	// Code returns the stable interrupt code.
	Code() Code

	interrupt()
}

// AsInterrupt reports whether err is or wraps an Interrupt and returns it.
func AsInterrupt(err error) (Interrupt, bool) {
	var intr Interrupt
	if errors.As(err, &intr) {
		return intr, true
	}
	return nil, false
}

// IsInterrupt reports whether err is or wraps an Interrupt.
func IsInterrupt(err error) bool {
	_, ok := AsInterrupt(err)
	return ok
}

type interruptJSON struct {
	Code           Code                  `json:"code"`
	Message        string                `json:"message"`
	Request        *AuthorizationRequest `json:"request,omitempty"`
	Connection     string                `json:"connection,omitempty"`
	Scopes         []string              `json:"scopes,omitempty"`
	GrantedScopes  []string              `json:"granted_scopes,omitempty"`
	RequiredScopes []string              `json:"required_scopes,omitempty"`
}

// AuthorizationPending means the user has not yet answered a CIBA request.
type AuthorizationPending struct {
	Request AuthorizationRequest
}

func (e *AuthorizationPending) Error() string {
	return "authorization request is pending"
}

// Code returns CodeAuthorizationPending.
func (e *AuthorizationPending) Code() Code { return CodeAuthorizationPending }

// MarshalJSON encodes the interrupt with its request.
func (e *AuthorizationPending) MarshalJSON() ([]byte, error) {
	return json.Marshal(interruptJSON{Code: e.Code(), Message: e.Error(), Request: &e.Request})
}

func (e *AuthorizationPending) interrupt() {}

// AuthorizationPollingError means polling failed with an unexpected
// provider error. The request may be retried.
type AuthorizationPollingError struct {
	Request AuthorizationRequest
	Reason  string
}

func (e *AuthorizationPollingError) Error() string {
	if e.Reason == "" {
		return "authorization polling failed"
	}
	return "authorization polling failed: " + e.Reason
}

// Code returns CodeAuthorizationPollingError.
func (e *AuthorizationPollingError) Code() Code { return CodeAuthorizationPollingError }

// MarshalJSON encodes the interrupt with its request.
func (e *AuthorizationPollingError) MarshalJSON() ([]byte, error) {
	return json.Marshal(interruptJSON{Code: e.Code(), Message: e.Error(), Request: &e.Request})
}

func (e *AuthorizationPollingError) interrupt() {}

// AccessDenied means the user rejected the authorization request.
type AccessDenied struct {
	Request AuthorizationRequest
}

func (e *AccessDenied) Error() string {
	return "user rejected the authorization request"
}

// Code returns CodeAccessDenied.
func (e *AccessDenied) Code() Code { return CodeAccessDenied }

// MarshalJSON encodes the interrupt with its request.
func (e *AccessDenied) MarshalJSON() ([]byte, error) {
	return json.Marshal(interruptJSON{Code: e.Code(), Message: e.Error(), Request: &e.Request})
}

func (e *AccessDenied) interrupt() {}

// AuthorizationExpired means the request lifetime elapsed without an answer.
type AuthorizationExpired struct {
	Request AuthorizationRequest
}

func (e *AuthorizationExpired) Error() string {
	return "authorization request has expired"
}

// Code returns CodeAuthorizationExpired.
func (e *AuthorizationExpired) Code() Code { return CodeAuthorizationExpired }

// MarshalJSON encodes the interrupt with its request.
func (e *AuthorizationExpired) MarshalJSON() ([]byte, error) {
	return json.Marshal(interruptJSON{Code: e.Code(), Message: e.Error(), Request: &e.Request})
}

func (e *AuthorizationExpired) interrupt() {}

// InvalidGrant means the provider no longer recognizes the request.
type InvalidGrant struct {
	Request AuthorizationRequest
}

func (e *InvalidGrant) Error() string {
	return "invalid grant for authorization request"
}

// Code returns CodeInvalidGrant.
func (e *InvalidGrant) Code() Code { return CodeInvalidGrant }

// MarshalJSON encodes the interrupt with its request.
func (e *InvalidGrant) MarshalJSON() ([]byte, error) {
	return json.Marshal(interruptJSON{Code: e.Code(), Message: e.Error(), Request: &e.Request})
}

func (e *InvalidGrant) interrupt() {}

// UserLacksPushChannel means the user has no enrolled device to receive
// the authorization request.
type UserLacksPushChannel struct {
	UserID string
}

func (e *UserLacksPushChannel) Error() string {
	return "user does not have push notifications enabled"
}

// Code returns CodeUserLacksPushChannel.
func (e *UserLacksPushChannel) Code() Code { return CodeUserLacksPushChannel }

// MarshalJSON encodes the interrupt.
func (e *UserLacksPushChannel) MarshalJSON() ([]byte, error) {
	return json.Marshal(interruptJSON{Code: e.Code(), Message: e.Error()})
}

func (e *UserLacksPushChannel) interrupt() {}

// FederatedConnectionInterrupt means no usable credential exists for a
// federated connection. The user must (re)authorize the connection with
// RequiredScopes before the call can succeed.
type FederatedConnectionInterrupt struct {
	// Connection is the federated connection name.
	Connection string

	// Scopes are the scopes the authorizer requires.
	Scopes []string

	// GrantedScopes are the scopes of the rejected credential, if any.
	GrantedScopes []string

	// RequiredScopes is GrantedScopes followed by any missing Scopes.
	RequiredScopes []string

	// Message overrides the default message.
	Message string
}

// NewFederatedConnectionInterrupt builds an interrupt for connection whose
// RequiredScopes is granted ∪ scopes.
func NewFederatedConnectionInterrupt(connection string, scopes, granted []string) *FederatedConnectionInterrupt {
	return &FederatedConnectionInterrupt{
		Connection:     connection,
		Scopes:         NewScopes(scopes...),
		GrantedScopes:  NewScopes(granted...),
		RequiredScopes: NewScopes(granted...).Union(scopes),
	}
}

func (e *FederatedConnectionInterrupt) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("authorization required to access the federated connection %s: %s",
		e.Connection, strings.Join(e.RequiredScopes, " "))
}

// Code returns CodeFederatedConnection.
func (e *FederatedConnectionInterrupt) Code() Code { return CodeFederatedConnection }

// MarshalJSON encodes the interrupt with its connection and scopes.
func (e *FederatedConnectionInterrupt) MarshalJSON() ([]byte, error) {
	return json.Marshal(interruptJSON{
		Code:           e.Code(),
		Message:        e.Error(),
		Connection:     e.Connection,
		Scopes:         e.Scopes,
		GrantedScopes:  e.GrantedScopes,
		RequiredScopes: e.RequiredScopes,
	})
}

func (e *FederatedConnectionInterrupt) interrupt() {}

// Interface checks.
var (
	_ Interrupt = (*AuthorizationPending)(nil)
	_ Interrupt = (*AuthorizationPollingError)(nil)
	_ Interrupt = (*AccessDenied)(nil)
	_ Interrupt = (*AuthorizationExpired)(nil)
	_ Interrupt = (*InvalidGrant)(nil)
	_ Interrupt = (*UserLacksPushChannel)(nil)
	_ Interrupt = (*FederatedConnectionInterrupt)(nil)
)
