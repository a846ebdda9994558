// Package ciba protects tool invocations with Client-Initiated Backchannel
// Authentication: the user approves each sensitive call out of band, for
// example with a push notification.
//
// An Authorizer runs in one of two modes. In ModeBlock, Protect starts the
// request and polls the token endpoint until the user decides or the
// request expires. In ModeInterrupt, Protect starts the request, records
// it in the pending store and returns authz.AuthorizationPending; a
// scheduled Poller then checks the request once per interval and, when it
// resolves, hands a Resolution to a Resumer so the host can re-run the
// invocation. The re-run finds the approved entry and executes the tool.
//
// Pending authorizations move through the states
//
//	INITIATED -> PENDING -> APPROVED | REJECTED | EXPIRED -> RESUMED -> CLOSED
//
// and never re-enter a state they have left, except the PENDING self-loop.
package ciba
