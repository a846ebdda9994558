// Package provider is the HTTP client for the identity provider.
//
// It implements the three calls the authorizers need: the CIBA backchannel
// authorize request, the CIBA token poll, and the federated connection
// token exchange. Requests are form encoded and authenticated with either
// client_secret_post or a private_key_jwt client assertion. OAuth error
// bodies ({"error": ..., "error_description": ...}) are decoded into *Error,
// which matches the sentinel for its error code via errors.Is.
//
// All calls go through a guard that applies a per-call timeout, a circuit
// breaker counting transport failures and 5xx responses, and optional
// retries of transport failures.
package provider
