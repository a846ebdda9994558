// Package federated protects tool invocations that call third-party APIs
// with a federated connection access token.
//
// The Authorizer exchanges a subject credential of the signed-in user
// (a refresh token or an access token) for an access token of the
// connection, checks that the granted scopes cover the required ones, and
// caches the token for its lifetime. The cache is shared according to a
// sharing granularity and namespaced by the authorizer fingerprint, so
// equally configured authorizers share tokens and differently configured
// ones never do.
//
// When the token cannot be obtained or lacks scopes, Protect returns an
// authz.FederatedConnectionInterrupt asking the host to (re)connect the
// account with the union of granted and required scopes.
package federated
