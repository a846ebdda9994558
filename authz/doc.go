// Package authz defines the shared vocabulary of tool authorization.
//
// It holds the credential and authorization-request data model, the
// invocation context a host attaches to a tool call, the closed set of
// interrupts an authorizer may raise, and the Outcome type adapters use to
// tell a result, an interrupt, and a fatal error apart.
//
// Authorizers (see packages ciba and federated) wrap an ExecuteFunc with
// Protect. Protect returns either the tool's value, an Interrupt (a
// recoverable condition the host should surface and later resume), or any
// other error, which is fatal and propagated unchanged.
package authz
