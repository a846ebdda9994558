// Package secret resolves the secrets referenced by toolguard
// configuration: the identity provider client secret and signing key, the
// FGA client secret and the schedule service API keys.
//
// A configuration value is first expanded with ExpandEnvStrict. A value of
// the form "secretref:<provider>:<ref>" is then replaced by the provider's
// value, e.g. "secretref:file:/run/secrets/auth0-signing-key.pem" or
// "secretref:env:AUTH0_CLIENT_SECRET". References may also appear inline,
// as in "Bearer secretref:env:SCHEDULER_TOKEN".
package secret
