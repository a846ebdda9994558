package authz

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by Claims when the credential carries no JWT.
var ErrNoToken = errors.New("authz: credential has no token to decode")

// Credential is a token response obtained from the identity provider.
type Credential struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the lifetime in seconds reported by the provider.
	// Zero means the provider did not report one.
	ExpiresIn int `json:"expires_in,omitempty"`

	// Scope lists the granted scopes.
	Scope Scopes `json:"scope,omitempty"`
}

// TTL returns the credential lifetime. Zero means no expiry was reported
// and the credential should be kept until evicted.
func (c *Credential) TTL() time.Duration {
	if c == nil || c.ExpiresIn <= 0 {
		return 0
	}
	return time.Duration(c.ExpiresIn) * time.Second
}

// Token converts the credential into an oauth2 token, with an expiry
// computed relative to now.
func (c *Credential) Token() *oauth2.Token {
	if c == nil {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
	}
	if ttl := c.TTL(); ttl > 0 {
		tok.Expiry = time.Now().Add(ttl)
	}
	if c.IDToken != "" {
		tok = tok.WithExtra(map[string]any{"id_token": c.IDToken})
	}
	return tok
}

// CredentialFromToken converts an oauth2 token. The scope is read from the
// token's "scope" extra, when present.
func CredentialFromToken(tok *oauth2.Token) *Credential {
	if tok == nil {
		return nil
	}
	c := &Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		if secs := int(time.Until(tok.Expiry).Seconds()); secs > 0 {
			c.ExpiresIn = secs
		}
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		c.Scope = ParseScopes(scope)
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		c.IDToken = id
	}
	return c
}

// Claims decodes the claims of the ID token, or of the access token when
// no ID token is present. The signature is not verified; use a verifier
// from package provider when the claims drive a decision.
func (c *Credential) Claims() (jwt.MapClaims, error) {
	if c == nil {
		return nil, ErrNoToken
	}
	raw := c.IDToken
	if raw == "" {
		raw = c.AccessToken
	}
	if raw == "" {
		return nil, ErrNoToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
