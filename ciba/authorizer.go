package ciba

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/provider"
	"github.com/jonwraymond/toolguard/resolve"
	"github.com/jonwraymond/toolguard/scheduler"
	"github.com/jonwraymond/toolguard/store"
)

// Limits and defaults.
const (
	MaxRequestExpiry     = 300 * time.Second
	DefaultRequestExpiry = 300 * time.Second
	DefaultResumeWindow  = 10 * time.Minute
)

// TokenClient polls the token endpoint for a backchannel request.
type TokenClient interface {
	BackchannelToken(ctx context.Context, authReqID string) (*authz.Credential, error)
}

// Client is the identity provider API used by an Authorizer.
// *provider.Client implements it.
type Client interface {
	TokenClient
	BackchannelAuthorize(ctx context.Context, r provider.BackchannelRequest) (*provider.BackchannelResponse, error)
	PublicConfig() map[string]any
}

// IDTokenVerifier verifies the ID token of an approved request.
// *provider.IDTokenVerifier implements it.
type IDTokenVerifier interface {
	Verify(ctx context.Context, raw string) (jwt.MapClaims, error)
}

// Mode selects how Protect waits for the user.
type Mode string

const (
	// ModeInterrupt returns authz.AuthorizationPending and lets a
	// scheduled Poller observe the decision.
	ModeInterrupt Mode = "interrupt"

	// ModeBlock polls inline until the user decides. It holds the calling
	// goroutine for up to the request expiry and is meant for development.
	ModeBlock Mode = "block"
)

// Params configures an Authorizer.
type Params[A any] struct {
	// UserID resolves the subject to ask. Default: the UserID of the
	// invocation context.
	UserID resolve.Resolver[A, string]

	// BindingMessage resolves the text shown on the user's device.
	BindingMessage resolve.Resolver[A, string]

	// Scopes are requested in addition to "openid".
	Scopes []string

	Audience string

	// RequestExpiry is the requested lifetime of each authorization
	// request, between 1s and MaxRequestExpiry. Default: DefaultRequestExpiry
	RequestExpiry time.Duration

	// Mode defaults to ModeInterrupt.
	Mode Mode

	// Store holds pending authorizations. It must be shared with the
	// Poller. Default: a private MemoryStore.
	Store store.Store

	// Registry supplies per-tool scopes, audience and continuations.
	Registry *Registry

	// Continuation is copied into scheduled tasks, e.g. the host's resume
	// webhook URL.
	Continuation string

	// ResumeWindow is how long a resolved authorization waits for the
	// host to resume. Default: DefaultResumeWindow
	ResumeWindow time.Duration
}

type options struct {
	mw        *observe.Middleware
	logger    observe.Logger
	clock     Clock
	scheduler scheduler.Scheduler
	verifier  IDTokenVerifier
}

// Option configures an Authorizer.
type Option func(*options)

// WithMiddleware instruments Protect with tracing, metrics and logging.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(o *options) { o.mw = mw }
}

// WithLogger sets the logger for state changes. Default: the middleware
// logger, or a no-op.
func WithLogger(l observe.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the clock used for deadlines and polling sleeps.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithScheduler schedules a Poller task for every authorization started
// in ModeInterrupt.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithIDTokenVerifier verifies the ID token of approved requests before
// the tool runs.
func WithIDTokenVerifier(v IDTokenVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// Authorizer asks the user to approve tool invocations out of band.
//
// Contract:
//   - Concurrency: safe for concurrent use; every invocation has its own
//     credential scope.
//   - Errors: user-actionable outcomes are authz.Interrupt values;
//     configuration errors match authz.ErrConfiguration; provider and
//     transport errors are returned unchanged.
type Authorizer[A any] struct {
	client      Client
	params      Params[A]
	opts        options
	fingerprint string
	pending     *store.SubStore[Pending]
}

// New validates params and creates an Authorizer.
func New[A any](client Client, params Params[A], opts ...Option) (*Authorizer[A], error) {
	if client == nil {
		return nil, authz.InvalidParameter("client", "identity provider client is required")
	}
	if params.Mode == "" {
		params.Mode = ModeInterrupt
	}
	if params.Mode != ModeInterrupt && params.Mode != ModeBlock {
		return nil, authz.InvalidParameter("mode", "must be \"interrupt\" or \"block\"")
	}
	if params.RequestExpiry == 0 {
		params.RequestExpiry = DefaultRequestExpiry
	}
	if params.RequestExpiry < time.Second || params.RequestExpiry > MaxRequestExpiry {
		return nil, authz.InvalidParameter("request_expiry", "must be between 1s and 300s")
	}
	if params.ResumeWindow <= 0 {
		params.ResumeWindow = DefaultResumeWindow
	}
	params.UserID = params.UserID.Or(resolve.Func(func(ctx context.Context, _ A) (string, error) {
		return authz.InvocationFrom(ctx).UserID, nil
	}))
	params.Scopes = authz.NewScopes(append([]string{"openid"}, params.Scopes...)...)

	o := options{clock: realClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = o.mw.Logger()
	}

	fp, err := store.Fingerprint(map[string]any{
		"kind":     "ciba",
		"provider": client.PublicConfig(),
		"params": map[string]any{
			"scopes":         params.Scopes,
			"audience":       params.Audience,
			"request_expiry": params.RequestExpiry.Seconds(),
			"mode":           params.Mode,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Authorizer[A]{
		client:      client,
		params:      params,
		opts:        o,
		fingerprint: fp,
		pending:     store.NewSubStore[Pending](params.Store, nil),
	}, nil
}

// Fingerprint identifies the authorizer's public configuration.
func (a *Authorizer[A]) Fingerprint() string {
	return a.fingerprint
}

// Mode returns the authorizer's mode.
func (a *Authorizer[A]) Mode() Mode {
	return a.params.Mode
}

// Store returns the pending store, for sharing with a Poller.
func (a *Authorizer[A]) Store() store.Store {
	return a.pending.Backend()
}

// requestFor merges the authorizer parameters with the registration of
// toolID.
func (a *Authorizer[A]) requestFor(toolID string) (authz.Scopes, string, string) {
	scopes := authz.Scopes(a.params.Scopes)
	audience := a.params.Audience
	var msg string
	if reg, ok := a.params.Registry.Lookup(toolID); ok {
		scopes = scopes.Union(reg.Scope)
		if reg.Audience != "" {
			audience = reg.Audience
		}
		msg = reg.BindingMessage
	}
	return scopes, audience, msg
}

// Start initiates an authorization request for the user resolved from
// args. It makes one backchannel authorize call.
func (a *Authorizer[A]) Start(ctx context.Context, args A) (authz.AuthorizationRequest, error) {
	req, _, err := a.start(ctx, args, authz.InvocationFrom(ctx).ToolName)
	return req, err
}

func (a *Authorizer[A]) start(ctx context.Context, args A, toolID string) (authz.AuthorizationRequest, string, error) {
	userID, err := a.params.UserID.Resolve(ctx, args)
	if err != nil {
		return authz.AuthorizationRequest{}, "", err
	}
	if userID == "" {
		return authz.AuthorizationRequest{}, "", authz.MissingParameter("user_id")
	}

	scopes, audience, msg := a.requestFor(toolID)
	if msg == "" && a.params.BindingMessage.IsSet() {
		if msg, err = a.params.BindingMessage.Resolve(ctx, args); err != nil {
			return authz.AuthorizationRequest{}, "", err
		}
	}

	now := a.opts.clock.Now()
	resp, err := a.client.BackchannelAuthorize(ctx, provider.BackchannelRequest{
		UserID:          userID,
		BindingMessage:  msg,
		Scopes:          scopes,
		Audience:        audience,
		RequestedExpiry: int(a.params.RequestExpiry / time.Second),
	})
	if err != nil {
		if errors.Is(err, provider.ErrInvalidRequest) {
			return authz.AuthorizationRequest{}, "", &authz.UserLacksPushChannel{UserID: userID}
		}
		return authz.AuthorizationRequest{}, "", err
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int(a.params.RequestExpiry / time.Second)
	}
	req := authz.AuthorizationRequest{
		ID:          resp.AuthReqID,
		RequestedAt: now,
		ExpiresIn:   expiresIn,
		Interval:    resp.Interval,
	}
	a.opts.logger.Debug(ctx, "authorization request started",
		observe.F("auth_req_id", req.ID),
		observe.F("tool", toolID),
		observe.F("expires_in", req.ExpiresIn),
	)
	return req, userID, nil
}

// Poll waits for the user to decide on req, polling once per interval.
// It never returns a credential after the request deadline; when the
// deadline passes first it returns authz.AuthorizationExpired. A request
// the provider already resolved is not polled again: Poll returns
// ErrRequestResolved.
func (a *Authorizer[A]) Poll(ctx context.Context, req authz.AuthorizationRequest) (*authz.Credential, error) {
	if err := a.unresolved(ctx, req); err != nil {
		return nil, err
	}
	clock := a.opts.clock
	deadline := req.Deadline()
	interval := req.PollInterval()

	for {
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return nil, &authz.AuthorizationExpired{Request: req}
		}

		callCtx, cancel := context.WithTimeout(ctx, remaining)
		cred, err := a.client.BackchannelToken(callCtx, req.ID)
		cancel()

		switch {
		case err == nil:
			if req.Expired(clock.Now()) {
				return nil, &authz.AuthorizationExpired{Request: req}
			}
			if err := a.markResolved(ctx, req, StateApproved); err != nil {
				return nil, err
			}
			return cred, nil
		case errors.Is(err, provider.ErrAuthorizationPending), errors.Is(err, provider.ErrSlowDown):
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && req.Expired(clock.Now()):
			return nil, &authz.AuthorizationExpired{Request: req}
		default:
			perr := pollError(req, err)
			if s, ok := resolvedState(perr); ok {
				if err := a.markResolved(ctx, req, s); err != nil {
					return nil, err
				}
			}
			return nil, perr
		}

		wait := min(interval, deadline.Sub(clock.Now()))
		if wait <= 0 {
			return nil, &authz.AuthorizationExpired{Request: req}
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// pollError maps a token endpoint error to an interrupt. Transport and
// server errors are returned unchanged.
func pollError(req authz.AuthorizationRequest, err error) error {
	switch {
	case errors.Is(err, provider.ErrAccessDenied):
		return &authz.AccessDenied{Request: req}
	case errors.Is(err, provider.ErrInvalidGrant):
		return &authz.InvalidGrant{Request: req}
	case errors.Is(err, provider.ErrInvalidRequest):
		return &authz.UserLacksPushChannel{}
	case errors.Is(err, provider.ErrExpiredToken):
		return &authz.AuthorizationExpired{Request: req}
	}
	if pe, ok := provider.AsError(err); ok && pe.ClientError() {
		return &authz.AuthorizationPollingError{Request: req, Reason: pe.Code}
	}
	return err
}

// resolvedState returns the state of a request the provider answered
// with a final decision.
func resolvedState(err error) (State, bool) {
	var (
		denied  *authz.AccessDenied
		grant   *authz.InvalidGrant
		expired *authz.AuthorizationExpired
	)
	switch {
	case errors.As(err, &denied):
		return StateRejected, true
	case errors.As(err, &grant), errors.As(err, &expired):
		return StateExpired, true
	}
	return "", false
}

// Check makes one non-blocking token call for req. A request already past
// its deadline is reported expired without calling the provider, and a
// request resolved earlier returns ErrRequestResolved.
func (a *Authorizer[A]) Check(ctx context.Context, req authz.AuthorizationRequest) (CheckResult, error) {
	if err := a.unresolved(ctx, req); err != nil {
		return CheckResult{}, err
	}
	now := a.opts.clock.Now()
	res, err := Check(ctx, a.client, req, now)
	if err != nil || res.Status == StatusPending || expiredAt(req, now) {
		return res, err
	}
	if err := a.markResolved(ctx, req, res.Status.State()); err != nil {
		return CheckResult{}, err
	}
	return res, nil
}

// Check makes one non-blocking token call for req using client.
func Check(ctx context.Context, client TokenClient, req authz.AuthorizationRequest, now time.Time) (CheckResult, error) {
	if expiredAt(req, now) {
		return CheckResult{Status: StatusExpired}, nil
	}
	cred, err := client.BackchannelToken(ctx, req.ID)
	switch {
	case err == nil:
		return CheckResult{Status: StatusApproved, Credential: cred}, nil
	case errors.Is(err, provider.ErrAuthorizationPending), errors.Is(err, provider.ErrSlowDown):
		return CheckResult{Status: StatusPending}, nil
	case errors.Is(err, provider.ErrAccessDenied):
		return CheckResult{Status: StatusRejected}, nil
	case errors.Is(err, provider.ErrInvalidRequest),
		errors.Is(err, provider.ErrInvalidGrant),
		errors.Is(err, provider.ErrExpiredToken):
		return CheckResult{Status: StatusExpired}, nil
	}
	if pe, ok := provider.AsError(err); ok && pe.ClientError() {
		return CheckResult{}, &authz.AuthorizationPollingError{Request: req, Reason: pe.Code}
	}
	return CheckResult{}, err
}

// expiredAt reports whether req is known to be past its deadline at now.
func expiredAt(req authz.AuthorizationRequest, now time.Time) bool {
	return !req.RequestedAt.IsZero() && req.Expired(now)
}

// resolvedLocation is where the resolution of a request is recorded.
func resolvedLocation(fingerprint, authReqID string) (store.Namespace, string) {
	return store.Namespace{fingerprint, "resolved"}, store.HashKey(authReqID)
}

// recordResolved marks req as resolved until its deadline plus window.
func recordResolved(ctx context.Context, pending *store.SubStore[Pending], fingerprint string, req authz.AuthorizationRequest, s State, now time.Time, window time.Duration) error {
	ttl := max(req.Deadline().Sub(now), 0) + window
	ns, key := resolvedLocation(fingerprint, req.ID)
	return pending.PutTTL(ctx, ns, key, &Pending{State: s, Request: req}, ttl)
}

func (a *Authorizer[A]) markResolved(ctx context.Context, req authz.AuthorizationRequest, s State) error {
	return recordResolved(ctx, a.pending, a.fingerprint, req, s, a.opts.clock.Now(), a.params.ResumeWindow)
}

// unresolved returns ErrRequestResolved when req was resolved before.
func (a *Authorizer[A]) unresolved(ctx context.Context, req authz.AuthorizationRequest) error {
	ns, key := resolvedLocation(a.fingerprint, req.ID)
	_, ok, err := a.pending.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrRequestResolved, req.ID)
	}
	return nil
}
