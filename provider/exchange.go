package provider

import (
	"context"
	"net/url"

	"github.com/jonwraymond/toolguard/authz"
)

// Token exchange identifiers.
const (
	GrantTypeFederatedConnection          = "urn:auth0:params:oauth:grant-type:token-exchange:federated-connection-access-token"
	RequestedTokenTypeFederatedConnection = "http://auth0.com/oauth/token-type/federated-connection-access-token"
	SubjectTokenTypeRefreshToken          = "urn:ietf:params:oauth:token-type:refresh_token"
	SubjectTokenTypeAccessToken           = "urn:ietf:params:oauth:token-type:access_token"
)

// ConnectionExchange is a federated connection token exchange request.
type ConnectionExchange struct {
	SubjectToken     string
	SubjectTokenType string
	Connection       string

	// LoginHint selects the connected account when the user has several.
	LoginHint string
}

// ExchangeForConnection exchanges a subject token for an access token of
// the federated connection.
func (c *Client) ExchangeForConnection(ctx context.Context, x ConnectionExchange) (*authz.Credential, error) {
	if x.Connection == "" {
		return nil, authz.MissingParameter("connection")
	}
	tokenType := x.SubjectTokenType
	if tokenType == "" {
		tokenType = SubjectTokenTypeRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", GrantTypeFederatedConnection)
	form.Set("subject_token_type", tokenType)
	form.Set("subject_token", x.SubjectToken)
	form.Set("requested_token_type", RequestedTokenTypeFederatedConnection)
	form.Set("connection", x.Connection)
	if x.LoginHint != "" {
		form.Set("login_hint", x.LoginHint)
	}

	var cred authz.Credential
	if err := c.postForm(ctx, "/oauth/token", form, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}
