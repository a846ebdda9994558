package federated

import (
	"context"
	"errors"
	"time"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/credctx"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/provider"
	"github.com/jonwraymond/toolguard/resolve"
	"github.com/jonwraymond/toolguard/store"
)

// Granularity controls which invocations share a cached token.
type Granularity string

const (
	// ShareThread shares a token within a conversation thread.
	ShareThread Granularity = "thread"
	// ShareAgent shares a token across all invocations of the authorizer.
	ShareAgent Granularity = "agent"
	// ShareTool shares a token per thread and tool.
	ShareTool Granularity = "tool"
	// ShareToolCall never shares a token beyond one tool call.
	ShareToolCall Granularity = "tool-call"
)

// Key returns the sharing key of an invocation.
func (g Granularity) Key(ic authz.InvocationContext) []string {
	switch g {
	case ShareAgent:
		return []string{}
	case ShareTool:
		return []string{ic.ThreadID, ic.ToolName}
	case ShareToolCall:
		return []string{ic.ThreadID, ic.ToolName, ic.ToolCallID}
	default:
		return []string{ic.ThreadID}
	}
}

func (g Granularity) valid() bool {
	switch g {
	case ShareThread, ShareAgent, ShareTool, ShareToolCall:
		return true
	}
	return false
}

// Exchanger performs the federated connection token exchange.
// *provider.Client implements it.
type Exchanger interface {
	ExchangeForConnection(ctx context.Context, x provider.ConnectionExchange) (*authz.Credential, error)
	PublicConfig() map[string]any
}

// Params configures an Authorizer. At most one of RefreshToken,
// SubjectAccessToken and AccessToken may be set. When none is, the host
// credentials attached with authz.WithHostCredentials are used.
type Params[A any] struct {
	// Scopes are required of the connection token.
	Scopes []string

	// Connection names the federated connection, e.g. "google-oauth2".
	Connection string

	// RefreshToken resolves the user's refresh token as subject token.
	RefreshToken resolve.Resolver[A, string]

	// SubjectAccessToken resolves the user's access token as subject token.
	SubjectAccessToken resolve.Resolver[A, string]

	// AccessToken resolves an already exchanged connection credential.
	AccessToken resolve.Resolver[A, *authz.Credential]

	// Store caches exchanged tokens. Default: a private MemoryStore.
	Store store.Store

	// Sharing defaults to ShareThread.
	Sharing Granularity
}

type options struct {
	mw     *observe.Middleware
	logger observe.Logger
}

// Option configures an Authorizer.
type Option func(*options)

// WithMiddleware instruments Protect with tracing, metrics and logging.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(o *options) { o.mw = mw }
}

// WithLogger sets the logger for cache and exchange events.
func WithLogger(l observe.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Authorizer obtains federated connection tokens for protected tools.
//
// Contract:
//   - Concurrency: safe for concurrent use. The token cache is shared and
//     relies on per-key atomic get and put only.
//   - Errors: missing or insufficient tokens are reported as
//     *authz.FederatedConnectionInterrupt; configuration errors match
//     authz.ErrConfiguration; provider 5xx and transport errors are
//     returned unchanged.
type Authorizer[A any] struct {
	client      Exchanger
	params      Params[A]
	opts        options
	meta        observe.Meta
	fingerprint string
	creds       *store.SubStore[authz.Credential]
}

// New validates params and creates an Authorizer.
func New[A any](client Exchanger, params Params[A], opts ...Option) (*Authorizer[A], error) {
	if client == nil {
		return nil, authz.InvalidParameter("client", "identity provider client is required")
	}
	if params.Connection == "" {
		return nil, authz.MissingParameter("connection")
	}
	sources := 0
	for _, set := range []bool{params.RefreshToken.IsSet(), params.SubjectAccessToken.IsSet(), params.AccessToken.IsSet()} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return nil, authz.ErrCredentialSource
	}
	if sources == 0 {
		params.RefreshToken = resolve.Func(hostRefreshToken[A])
		params.SubjectAccessToken = resolve.Func(hostAccessToken[A])
	}
	if params.Sharing == "" {
		params.Sharing = ShareThread
	}
	if !params.Sharing.valid() {
		return nil, authz.InvalidParameter("sharing", "must be thread, agent, tool or tool-call")
	}
	params.Scopes = authz.NewScopes(params.Scopes...)

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = o.mw.Logger()
	}

	fp, err := Fingerprint(client.PublicConfig(), params.Connection, params.Scopes, params.Sharing)
	if err != nil {
		return nil, err
	}

	return &Authorizer[A]{
		client:      client,
		params:      params,
		opts:        o,
		meta:        observe.Meta{Authorizer: "federated", Connection: params.Connection},
		fingerprint: fp,
		creds: store.NewSubStore(params.Store, store.Namespace{fp, "credentials"},
			store.WithTTL(func(c *authz.Credential) time.Duration { return c.TTL() })),
	}, nil
}

// Fingerprint identifies a federated authorizer configuration. Secrets and
// resolvers never take part in it.
func Fingerprint(providerConfig map[string]any, connection string, scopes []string, sharing Granularity) (string, error) {
	return store.Fingerprint(map[string]any{
		"kind":     "federated",
		"provider": providerConfig,
		"params": map[string]any{
			"connection": connection,
			"scopes":     scopes,
			"sharing":    sharing,
		},
	})
}

// Fingerprint returns the authorizer's fingerprint.
func (a *Authorizer[A]) Fingerprint() string {
	return a.fingerprint
}

func hostRefreshToken[A any](ctx context.Context, _ A) (string, error) {
	c, _ := authz.HostCredentialsFrom(ctx)
	return c.RefreshToken, nil
}

func hostAccessToken[A any](ctx context.Context, _ A) (string, error) {
	c, _ := authz.HostCredentialsFrom(ctx)
	return c.AccessToken, nil
}

// ResolveSubjectToken resolves the subject token and its token type. With
// the default host source a refresh token is preferred over an access
// token.
func (a *Authorizer[A]) ResolveSubjectToken(ctx context.Context, args A) (string, string, error) {
	if a.params.RefreshToken.IsSet() {
		token, err := a.params.RefreshToken.Resolve(ctx, args)
		if err != nil {
			return "", "", err
		}
		if token != "" {
			return token, provider.SubjectTokenTypeRefreshToken, nil
		}
	}
	if a.params.SubjectAccessToken.IsSet() {
		token, err := a.params.SubjectAccessToken.Resolve(ctx, args)
		if err != nil {
			return "", "", err
		}
		if token != "" {
			return token, provider.SubjectTokenTypeAccessToken, nil
		}
	}
	return "", "", authz.MissingParameter("subject_token")
}

// Exchange trades a subject token for a connection token. Provider
// rejections (4xx) are returned as *authz.FederatedConnectionError.
func (a *Authorizer[A]) Exchange(ctx context.Context, subjectToken, subjectTokenType, connection string) (*authz.Credential, error) {
	cred, err := a.client.ExchangeForConnection(ctx, provider.ConnectionExchange{
		SubjectToken:     subjectToken,
		SubjectTokenType: subjectTokenType,
		Connection:       connection,
	})
	if err != nil {
		if pe, ok := provider.AsError(err); ok && pe.ClientError() {
			msg := pe.Description
			if msg == "" {
				msg = pe.Code
			}
			return nil, &authz.FederatedConnectionError{Message: msg, StatusCode: pe.StatusCode}
		}
		return nil, err
	}
	return cred, nil
}

// Validate checks that cred grants every scope of the authorizer.
func (a *Authorizer[A]) Validate(cred *authz.Credential) error {
	return Validate(cred, a.params.Connection, a.params.Scopes)
}

// Validate checks that cred grants every required scope. A nil credential
// grants nothing.
func Validate(cred *authz.Credential, connection string, required []string) error {
	var granted authz.Scopes
	if cred != nil {
		granted = cred.Scope
	}
	if cred != nil && cred.AccessToken != "" && granted.Contains(required) {
		return nil
	}
	return authz.NewFederatedConnectionInterrupt(connection, required, granted)
}

// Protect wraps execute so that it runs with a connection token in its
// credential scope. extract may be nil, in which case the invocation
// context attached to ctx is used.
func (a *Authorizer[A]) Protect(extract authz.ContextExtractor[A], execute authz.ExecuteFunc[A]) authz.ExecuteFunc[A] {
	if extract == nil {
		extract = authz.FromContext[A]
	}
	return observe.Instrument(a.opts.mw, a.meta, func(ctx context.Context, args A) (any, error) {
		return a.protect(ctx, args, extract, execute)
	})
}

func (a *Authorizer[A]) protect(ctx context.Context, args A, extract authz.ContextExtractor[A], execute authz.ExecuteFunc[A]) (any, error) {
	ic := extract(ctx, args)
	ctx, scope, err := credctx.Enter(ctx, credctx.Values{
		Invocation:     ic,
		Connection:     a.params.Connection,
		RequiredScopes: a.params.Scopes,
	})
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	ctx = authz.WithInvocation(ctx, ic)

	key := store.HashKey(a.params.Sharing.Key(ic)...)
	cred, err := a.acquire(ctx, args, key)
	if err != nil {
		a.evict(ctx, key)
		return nil, a.interrupt(err)
	}

	if err := scope.Update(func(v *credctx.Values) {
		v.Credential = cred
		v.GrantedScopes = cred.Scope
	}); err != nil {
		return nil, err
	}

	result, err := execute(ctx, args)
	if err != nil {
		a.evict(ctx, key)
		return result, a.interrupt(err)
	}
	return result, nil
}

func (a *Authorizer[A]) acquire(ctx context.Context, args A, key string) (*authz.Credential, error) {
	if a.params.AccessToken.IsSet() {
		cred, err := a.params.AccessToken.Resolve(ctx, args)
		if err != nil {
			return nil, err
		}
		return cred, a.Validate(cred)
	}

	cached, ok, err := a.creds.Get(ctx, nil, key)
	if err != nil {
		a.opts.logger.Warn(ctx, "credential cache read failed", observe.F("error", err))
	}
	if ok && a.Validate(cached) == nil {
		a.opts.mw.Metrics().RecordCache(ctx, a.meta, true)
		return cached, nil
	}
	a.opts.mw.Metrics().RecordCache(ctx, a.meta, false)

	token, tokenType, err := a.ResolveSubjectToken(ctx, args)
	if err != nil {
		return nil, err
	}
	cred, err := a.Exchange(ctx, token, tokenType, a.params.Connection)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(cred); err != nil {
		return nil, err
	}
	if err := a.creds.Put(ctx, nil, key, cred); err != nil {
		a.opts.logger.Warn(ctx, "credential cache write failed", observe.F("error", err))
	}
	return cred, nil
}

func (a *Authorizer[A]) evict(ctx context.Context, key string) {
	if err := a.creds.Delete(context.WithoutCancel(ctx), nil, key); err != nil {
		a.opts.logger.Warn(ctx, "credential cache eviction failed", observe.F("error", err))
	}
}

// interrupt converts a FederatedConnectionError into the interrupt the
// host can act on. Other errors are returned unchanged.
func (a *Authorizer[A]) interrupt(err error) error {
	var fce *authz.FederatedConnectionError
	if !errors.As(err, &fce) {
		return err
	}
	intr := authz.NewFederatedConnectionInterrupt(a.params.Connection, a.params.Scopes, nil)
	intr.Message = fce.Message
	return intr
}
