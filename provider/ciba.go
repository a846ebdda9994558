package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/jonwraymond/toolguard/authz"
)

// GrantTypeCIBA is the grant type of the CIBA token poll.
const GrantTypeCIBA = "urn:openid:params:grant-type:ciba"

// BackchannelRequest is a CIBA backchannel authorize request.
type BackchannelRequest struct {
	// UserID is the subject the request is addressed to.
	UserID string

	// BindingMessage is shown on the user's device.
	BindingMessage string

	Scopes   []string
	Audience string

	// RequestedExpiry is the request lifetime in seconds; 0 lets the
	// provider choose.
	RequestedExpiry int
}

// BackchannelResponse is the provider's answer to a backchannel authorize
// request.
type BackchannelResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int    `json:"expires_in"`
	Interval  int    `json:"interval"`
}

type loginHint struct {
	Format string `json:"format"`
	Iss    string `json:"iss"`
	Sub    string `json:"sub"`
}

// BackchannelAuthorize starts a CIBA request. It makes exactly one call.
func (c *Client) BackchannelAuthorize(ctx context.Context, r BackchannelRequest) (*BackchannelResponse, error) {
	if r.UserID == "" {
		return nil, authz.MissingParameter("user_id")
	}
	hint, err := json.Marshal(loginHint{Format: "iss_sub", Iss: c.Issuer(), Sub: r.UserID})
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("login_hint", string(hint))
	form.Set("scope", authz.NewScopes(append([]string{"openid"}, r.Scopes...)...).String())
	if r.BindingMessage != "" {
		form.Set("binding_message", r.BindingMessage)
	}
	if r.Audience != "" {
		form.Set("audience", r.Audience)
	}
	if r.RequestedExpiry > 0 {
		form.Set("requested_expiry", strconv.Itoa(r.RequestedExpiry))
	}

	var resp BackchannelResponse
	if err := c.postForm(ctx, "/bc-authorize", form, &resp); err != nil {
		return nil, err
	}
	if resp.AuthReqID == "" {
		return nil, errors.New("provider: backchannel response has no auth_req_id")
	}
	return &resp, nil
}

// BackchannelToken polls the token endpoint once for authReqID. A pending
// request yields an *Error matching ErrAuthorizationPending or ErrSlowDown.
func (c *Client) BackchannelToken(ctx context.Context, authReqID string) (*authz.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", GrantTypeCIBA)
	form.Set("auth_req_id", authReqID)

	var cred authz.Credential
	if err := c.postForm(ctx, "/oauth/token", form, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}
