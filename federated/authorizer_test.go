package federated

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/credctx"
	"github.com/jonwraymond/toolguard/provider"
	"github.com/jonwraymond/toolguard/resolve"
	"github.com/jonwraymond/toolguard/store"
)

type calendarArgs struct {
	User string
	Day  string
}

type fakeExchanger struct {
	mu     sync.Mutex
	calls  []provider.ConnectionExchange
	scopes []string
	err    error
	config map[string]any
}

func (f *fakeExchanger) ExchangeForConnection(_ context.Context, x provider.ConnectionExchange) (*authz.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, x)
	if f.err != nil {
		return nil, f.err
	}
	return &authz.Credential{
		AccessToken: "at-" + x.SubjectToken,
		TokenType:   "Bearer",
		ExpiresIn:   3600,
		Scope:       authz.NewScopes(f.scopes...),
	}, nil
}

func (f *fakeExchanger) PublicConfig() map[string]any {
	if f.config != nil {
		return f.config
	}
	return map[string]any{"domain": "tenant.example.com", "client_id": "agent"}
}

func (f *fakeExchanger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func invocation(thread, call string) authz.InvocationContext {
	return authz.InvocationContext{ThreadID: thread, ToolName: "check_calendar", ToolCallID: call}
}

func hostCtx(thread, call, refresh string) context.Context {
	ctx := authz.WithInvocation(context.Background(), invocation(thread, call))
	return authz.WithHostCredentials(ctx, authz.HostCredentials{RefreshToken: refresh})
}

func readToken(ctx context.Context, _ calendarArgs) (any, error) {
	return credctx.AccessToken(ctx)
}

func newCalendar(t *testing.T, ex *fakeExchanger, mutate func(*Params[calendarArgs])) *Authorizer[calendarArgs] {
	t.Helper()
	p := Params[calendarArgs]{
		Connection: "google-oauth2",
		Scopes:     []string{"https://www.googleapis.com/auth/calendar.freebusy"},
	}
	if mutate != nil {
		mutate(&p)
	}
	a, err := New(ex, p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestProtect_ExchangesAndCaches(t *testing.T) {
	ex := &fakeExchanger{scopes: []string{"https://www.googleapis.com/auth/calendar.freebusy"}}
	a := newCalendar(t, ex, nil)
	run := a.Protect(nil, readToken)

	for _, call := range []string{"c1", "c2"} {
		got, err := run(hostCtx("t1", call, "rt1"), calendarArgs{Day: "2026-03-02"})
		if err != nil {
			t.Fatalf("call %s: %v", call, err)
		}
		if got != "at-rt1" {
			t.Errorf("call %s token = %v, want at-rt1", call, got)
		}
	}
	if ex.count() != 1 {
		t.Fatalf("exchanges = %d, want 1", ex.count())
	}
	want := provider.ConnectionExchange{
		SubjectToken:     "rt1",
		SubjectTokenType: provider.SubjectTokenTypeRefreshToken,
		Connection:       "google-oauth2",
	}
	if diff := cmp.Diff(want, ex.calls[0]); diff != "" {
		t.Errorf("exchange mismatch (-want +got):\n%s", diff)
	}
}

func TestProtect_InsufficientScopes(t *testing.T) {
	ex := &fakeExchanger{scopes: []string{"openid"}}
	a := newCalendar(t, ex, nil)
	ran := false
	run := a.Protect(nil, func(context.Context, calendarArgs) (any, error) {
		ran = true
		return nil, nil
	})

	_, err := run(hostCtx("t1", "c1", "rt1"), calendarArgs{})
	var intr *authz.FederatedConnectionInterrupt
	if !errors.As(err, &intr) {
		t.Fatalf("err = %v, want FederatedConnectionInterrupt", err)
	}
	if ran {
		t.Error("tool ran without sufficient scopes")
	}
	want := []string{"openid", "https://www.googleapis.com/auth/calendar.freebusy"}
	if diff := cmp.Diff(want, intr.RequiredScopes); diff != "" {
		t.Errorf("required scopes (-want +got):\n%s", diff)
	}
	if intr.Connection != "google-oauth2" {
		t.Errorf("connection = %q", intr.Connection)
	}

	// The rejected token is not cached.
	if _, err := run(hostCtx("t1", "c2", "rt1"), calendarArgs{}); err == nil {
		t.Fatal("second call succeeded")
	}
	if ex.count() != 2 {
		t.Errorf("exchanges = %d, want 2", ex.count())
	}
}

func TestValidate_RequiredIsUnion(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required []string
		want     []string
		ok       bool
	}{
		{name: "covered", granted: []string{"a", "b"}, required: []string{"b"}, ok: true},
		{name: "disjoint", granted: []string{"a"}, required: []string{"b", "c"}, want: []string{"a", "b", "c"}},
		{name: "overlap", granted: []string{"a", "b"}, required: []string{"b", "c"}, want: []string{"a", "b", "c"}},
		{name: "nothing granted", required: []string{"b"}, want: []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := &authz.Credential{AccessToken: "x", Scope: tt.granted}
			err := Validate(cred, "github", tt.required)
			if tt.ok {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			var intr *authz.FederatedConnectionInterrupt
			if !errors.As(err, &intr) {
				t.Fatalf("err = %v, want interrupt", err)
			}
			if diff := cmp.Diff(tt.want, []string(intr.RequiredScopes)); diff != "" {
				t.Errorf("required (-want +got):\n%s", diff)
			}
		})
	}

	if err := Validate(nil, "github", []string{"repo"}); err == nil {
		t.Error("nil credential validated")
	}
}

func TestExchange_ErrorMapping(t *testing.T) {
	t.Run("client error", func(t *testing.T) {
		ex := &fakeExchanger{err: &provider.Error{
			StatusCode:  http.StatusUnauthorized,
			Code:        "federated_connection_refresh_token_not_found",
			Description: "refresh token not found",
		}}
		a := newCalendar(t, ex, nil)
		_, err := a.Exchange(context.Background(), "rt1", provider.SubjectTokenTypeRefreshToken, "google-oauth2")
		var fce *authz.FederatedConnectionError
		if !errors.As(err, &fce) {
			t.Fatalf("err = %v, want FederatedConnectionError", err)
		}
		if fce.StatusCode != http.StatusUnauthorized || fce.Message != "refresh token not found" {
			t.Errorf("error = %+v", fce)
		}

		_, err = a.Protect(nil, readToken)(hostCtx("t1", "c1", "rt1"), calendarArgs{})
		var intr *authz.FederatedConnectionInterrupt
		if !errors.As(err, &intr) {
			t.Fatalf("protect err = %v, want interrupt", err)
		}
		if intr.Message != "refresh token not found" {
			t.Errorf("message = %q", intr.Message)
		}
	})

	t.Run("server error", func(t *testing.T) {
		ex := &fakeExchanger{err: &provider.Error{StatusCode: http.StatusBadGateway, Code: "bad_gateway"}}
		a := newCalendar(t, ex, nil)
		_, err := a.Protect(nil, readToken)(hostCtx("t1", "c1", "rt1"), calendarArgs{})
		if !errors.Is(err, provider.ErrServer) {
			t.Fatalf("err = %v, want ErrServer", err)
		}
		if authz.IsInterrupt(err) {
			t.Error("server error became an interrupt")
		}
	})
}

func TestProtect_EvictsOnToolFailure(t *testing.T) {
	ex := &fakeExchanger{scopes: []string{"https://www.googleapis.com/auth/calendar.freebusy"}}
	a := newCalendar(t, ex, nil)

	fail := a.Protect(nil, func(context.Context, calendarArgs) (any, error) {
		return nil, &authz.FederatedConnectionError{Message: "token revoked", StatusCode: http.StatusUnauthorized}
	})
	_, err := fail(hostCtx("t1", "c1", "rt1"), calendarArgs{})
	var intr *authz.FederatedConnectionInterrupt
	if !errors.As(err, &intr) {
		t.Fatalf("err = %v, want interrupt", err)
	}

	boom := errors.New("calendar api down")
	broken := a.Protect(nil, func(context.Context, calendarArgs) (any, error) { return nil, boom })
	if _, err := broken(hostCtx("t1", "c2", "rt1"), calendarArgs{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want tool error", err)
	}

	if _, err := a.Protect(nil, readToken)(hostCtx("t1", "c3", "rt1"), calendarArgs{}); err != nil {
		t.Fatal(err)
	}
	if ex.count() != 3 {
		t.Errorf("exchanges = %d, want 3 (each failure evicts)", ex.count())
	}
}

func TestProtect_Sharing(t *testing.T) {
	tests := []struct {
		sharing Granularity
		ctxs    []context.Context
		want    int
	}{
		{ShareThread, []context.Context{hostCtx("t1", "c1", "rt1"), hostCtx("t1", "c2", "rt1"), hostCtx("t2", "c3", "rt1")}, 2},
		{ShareAgent, []context.Context{hostCtx("t1", "c1", "rt1"), hostCtx("t2", "c2", "rt1")}, 1},
		{ShareTool, []context.Context{hostCtx("t1", "c1", "rt1"), hostCtx("t1", "c2", "rt1")}, 1},
		{ShareToolCall, []context.Context{hostCtx("t1", "c1", "rt1"), hostCtx("t1", "c2", "rt1"), hostCtx("t1", "c2", "rt1")}, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.sharing), func(t *testing.T) {
			ex := &fakeExchanger{scopes: []string{"https://www.googleapis.com/auth/calendar.freebusy"}}
			a := newCalendar(t, ex, func(p *Params[calendarArgs]) { p.Sharing = tt.sharing })
			run := a.Protect(nil, readToken)
			for _, ctx := range tt.ctxs {
				if _, err := run(ctx, calendarArgs{}); err != nil {
					t.Fatal(err)
				}
			}
			if ex.count() != tt.want {
				t.Errorf("exchanges = %d, want %d", ex.count(), tt.want)
			}
		})
	}
}

func TestNew_CredentialSources(t *testing.T) {
	ex := &fakeExchanger{}
	_, err := New(ex, Params[calendarArgs]{
		Connection:         "google-oauth2",
		RefreshToken:       resolve.Static[calendarArgs]("rt"),
		SubjectAccessToken: resolve.Static[calendarArgs]("at"),
	})
	if !errors.Is(err, authz.ErrCredentialSource) {
		t.Errorf("two sources: err = %v", err)
	}

	_, err = New(ex, Params[calendarArgs]{})
	if !errors.Is(err, authz.ErrMissingParameter) {
		t.Errorf("no connection: err = %v", err)
	}

	_, err = New(ex, Params[calendarArgs]{Connection: "github", Sharing: "session"})
	if !errors.Is(err, authz.ErrConfiguration) {
		t.Errorf("bad sharing: err = %v", err)
	}
}

func TestResolveSubjectToken(t *testing.T) {
	ex := &fakeExchanger{}

	explicit := newCalendar(t, ex, func(p *Params[calendarArgs]) {
		p.SubjectAccessToken = resolve.Func(func(_ context.Context, a calendarArgs) (string, error) {
			return "at-of-" + a.User, nil
		})
	})
	tok, typ, err := explicit.ResolveSubjectToken(context.Background(), calendarArgs{User: "alice"})
	if err != nil || tok != "at-of-alice" || typ != provider.SubjectTokenTypeAccessToken {
		t.Errorf("explicit = %q, %q, %v", tok, typ, err)
	}

	// The host default is ignored once an explicit source exists.
	ctx := authz.WithHostCredentials(context.Background(), authz.HostCredentials{RefreshToken: "host-rt"})
	tok, _, _ = explicit.ResolveSubjectToken(ctx, calendarArgs{User: "alice"})
	if tok != "at-of-alice" {
		t.Errorf("explicit with host creds = %q", tok)
	}

	def := newCalendar(t, ex, nil)
	ctx = authz.WithHostCredentials(context.Background(), authz.HostCredentials{AccessToken: "host-at", RefreshToken: "host-rt"})
	tok, typ, _ = def.ResolveSubjectToken(ctx, calendarArgs{})
	if tok != "host-rt" || typ != provider.SubjectTokenTypeRefreshToken {
		t.Errorf("default = %q, %q", tok, typ)
	}
	ctx = authz.WithHostCredentials(context.Background(), authz.HostCredentials{AccessToken: "host-at"})
	tok, typ, _ = def.ResolveSubjectToken(ctx, calendarArgs{})
	if tok != "host-at" || typ != provider.SubjectTokenTypeAccessToken {
		t.Errorf("default access = %q, %q", tok, typ)
	}

	_, _, err = def.ResolveSubjectToken(context.Background(), calendarArgs{})
	if !errors.Is(err, authz.ErrMissingParameter) {
		t.Errorf("no host creds: err = %v", err)
	}
}

func TestProtect_PreResolvedAccessToken(t *testing.T) {
	ex := &fakeExchanger{}
	a := newCalendar(t, ex, func(p *Params[calendarArgs]) {
		p.AccessToken = resolve.Static[calendarArgs](&authz.Credential{
			AccessToken: "ya29.direct",
			Scope:       authz.NewScopes("https://www.googleapis.com/auth/calendar.freebusy"),
		})
	})
	got, err := a.Protect(nil, readToken)(hostCtx("t1", "c1", ""), calendarArgs{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ya29.direct" {
		t.Errorf("token = %v", got)
	}
	if ex.count() != 0 {
		t.Errorf("exchanges = %d, want 0", ex.count())
	}
}

func TestFingerprint(t *testing.T) {
	cfg := map[string]any{"domain": "tenant.example.com", "client_id": "agent"}
	base, err := Fingerprint(cfg, "google-oauth2", []string{"a", "b"}, ShareThread)
	if err != nil {
		t.Fatal(err)
	}
	same, _ := Fingerprint(map[string]any{"client_id": "agent", "domain": "tenant.example.com"}, "google-oauth2", []string{"a", "b"}, ShareThread)
	if base != same {
		t.Error("fingerprint depends on map order")
	}
	variants := map[string][3]any{
		"connection": {cfg, "github", []string{"a", "b"}},
		"scopes":     {cfg, "google-oauth2", []string{"a"}},
		"provider":   {map[string]any{"domain": "other.example.com", "client_id": "agent"}, "google-oauth2", []string{"a", "b"}},
	}
	for name, v := range variants {
		fp, _ := Fingerprint(v[0].(map[string]any), v[1].(string), v[2].([]string), ShareThread)
		if fp == base {
			t.Errorf("%s change kept the fingerprint", name)
		}
	}
	if fp, _ := Fingerprint(cfg, "google-oauth2", []string{"a", "b"}, ShareTool); fp == base {
		t.Error("sharing change kept the fingerprint")
	}
}

func TestProtect_SharedStoreIsolatedByFingerprint(t *testing.T) {
	backend := store.NewMemoryStore()
	ex := &fakeExchanger{scopes: []string{"https://www.googleapis.com/auth/calendar.freebusy", "https://www.googleapis.com/auth/calendar.events"}}
	withStore := func(scopes ...string) func(*Params[calendarArgs]) {
		return func(p *Params[calendarArgs]) {
			p.Store = backend
			p.Scopes = scopes
		}
	}
	a := newCalendar(t, ex, withStore("https://www.googleapis.com/auth/calendar.freebusy"))
	twin := newCalendar(t, ex, withStore("https://www.googleapis.com/auth/calendar.freebusy"))
	other := newCalendar(t, ex, withStore("https://www.googleapis.com/auth/calendar.events"))

	for _, auth := range []*Authorizer[calendarArgs]{a, twin, other} {
		if _, err := auth.Protect(nil, readToken)(hostCtx("t1", "c1", "rt1"), calendarArgs{}); err != nil {
			t.Fatal(err)
		}
	}
	if ex.count() != 2 {
		t.Errorf("exchanges = %d, want 2", ex.count())
	}
}

func TestProtect_RedisCacheExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ex := &fakeExchanger{scopes: []string{"https://www.googleapis.com/auth/calendar.freebusy"}}
	a := newCalendar(t, ex, func(p *Params[calendarArgs]) { p.Store = store.NewRedisStore(client) })
	run := a.Protect(nil, readToken)

	if _, err := run(hostCtx("t1", "c1", "rt1"), calendarArgs{}); err != nil {
		t.Fatal(err)
	}
	if _, err := run(hostCtx("t1", "c2", "rt1"), calendarArgs{}); err != nil {
		t.Fatal(err)
	}
	if ex.count() != 1 {
		t.Fatalf("exchanges = %d, want 1", ex.count())
	}

	mr.FastForward(time.Hour + time.Second)
	if _, err := run(hostCtx("t1", "c3", "rt1"), calendarArgs{}); err != nil {
		t.Fatal(err)
	}
	if ex.count() != 2 {
		t.Errorf("exchanges after expiry = %d, want 2", ex.count())
	}
}

func TestProtect_NestingAndTeardown(t *testing.T) {
	ex := &fakeExchanger{scopes: []string{"https://www.googleapis.com/auth/calendar.freebusy"}}
	a := newCalendar(t, ex, nil)

	var inner error
	outer := a.Protect(nil, func(ctx context.Context, args calendarArgs) (any, error) {
		_, inner = a.Protect(nil, readToken)(ctx, args)
		return nil, nil
	})
	if _, err := outer(hostCtx("t1", "c1", "rt1"), calendarArgs{}); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(inner, authz.ErrNestedProtect) {
		t.Errorf("nested err = %v, want ErrNestedProtect", inner)
	}

	var leaked context.Context
	capture := a.Protect(nil, func(ctx context.Context, _ calendarArgs) (any, error) {
		leaked = ctx
		return nil, nil
	})
	if _, err := capture(hostCtx("t1", "c2", "rt1"), calendarArgs{}); err != nil {
		t.Fatal(err)
	}
	if _, err := credctx.AccessToken(leaked); !errors.Is(err, authz.ErrNoActiveContext) {
		t.Errorf("after return err = %v, want ErrNoActiveContext", err)
	}
}

func TestProtect_ConcurrentUsersIsolated(t *testing.T) {
	ex := &fakeExchanger{scopes: []string{"https://www.googleapis.com/auth/calendar.freebusy"}}
	a := newCalendar(t, ex, func(p *Params[calendarArgs]) {
		p.RefreshToken = resolve.Func(func(_ context.Context, args calendarArgs) (string, error) {
			return "rt-" + args.User, nil
		})
	})
	run := a.Protect(nil, readToken)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := string(rune('a' + i%8))
			ctx := authz.WithInvocation(context.Background(), invocation("thread-"+user, "call"))
			got, err := run(ctx, calendarArgs{User: user})
			if err != nil {
				errs <- err
				return
			}
			if got != "at-rt-"+user {
				errs <- errors.New("user " + user + " got " + got.(string))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestProtect_FreebusyScenario(t *testing.T) {
	fixed := func(p *Params[calendarArgs]) {
		p.Scopes = []string{"calendar.freebusy"}
		p.RefreshToken = resolve.Static[calendarArgs]("rt1")
	}
	ctx := authz.WithInvocation(context.Background(), invocation("t1", "c1"))

	granted := &fakeExchanger{scopes: authz.ParseScopes("calendar.freebusy openid")}
	got, err := newCalendar(t, granted, fixed).Protect(nil, readToken)(ctx, calendarArgs{})
	if err != nil || got != "at-rt1" {
		t.Fatalf("Protect = %v, %v; want at-rt1", got, err)
	}

	omitted := &fakeExchanger{}
	_, err = newCalendar(t, omitted, fixed).Protect(nil, readToken)(ctx, calendarArgs{})
	var intr *authz.FederatedConnectionInterrupt
	if !errors.As(err, &intr) {
		t.Fatalf("err = %v, want FederatedConnectionInterrupt", err)
	}
	if diff := cmp.Diff([]string{"calendar.freebusy"}, []string(intr.RequiredScopes)); diff != "" {
		t.Errorf("required scopes (-want +got):\n%s", diff)
	}
}
