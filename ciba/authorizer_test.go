package ciba

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/credctx"
	"github.com/jonwraymond/toolguard/provider"
	"github.com/jonwraymond/toolguard/resolve"
	"github.com/jonwraymond/toolguard/store"
)

func newBlocking(t *testing.T, client *fakeClient, clock *fakeClock) *Authorizer[tradeArgs] {
	t.Helper()
	a, err := New(client, Params[tradeArgs]{
		UserID:         resolve.Static[tradeArgs]("alice"),
		BindingMessage: resolve.Func(func(_ context.Context, args tradeArgs) (string, error) { return "buy " + args.Symbol, nil }),
		Scopes:         []string{"stock:trade"},
		Mode:           ModeBlock,
	}, WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestStart(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock)
	a := newBlocking(t, client, clock)

	req, err := a.Start(context.Background(), tradeArgs{Symbol: "ACME"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 5, Interval: 1}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	sent := client.authorizeCalls()
	if len(sent) != 1 {
		t.Fatalf("authorize calls = %d, want 1", len(sent))
	}
	wantReq := provider.BackchannelRequest{
		UserID:          "alice",
		BindingMessage:  "buy ACME",
		Scopes:          []string{"openid", "stock:trade"},
		RequestedExpiry: 300,
	}
	if diff := cmp.Diff(wantReq, sent[0]); diff != "" {
		t.Errorf("backchannel request mismatch (-want +got):\n%s", diff)
	}
}

func TestStart_UserID(t *testing.T) {
	clock := newFakeClock()

	t.Run("empty user is a configuration error", func(t *testing.T) {
		a, err := New(newFakeClient(clock), Params[tradeArgs]{UserID: resolve.Static[tradeArgs]("")})
		if err != nil {
			t.Fatal(err)
		}
		_, err = a.Start(context.Background(), tradeArgs{})
		if !errors.Is(err, authz.ErrMissingParameter) {
			t.Errorf("err = %v, want ErrMissingParameter", err)
		}
	})

	t.Run("defaults to the invocation user", func(t *testing.T) {
		client := newFakeClient(clock)
		a, err := New(client, Params[tradeArgs]{})
		if err != nil {
			t.Fatal(err)
		}
		ctx := authz.WithInvocation(context.Background(), authz.InvocationContext{UserID: "bob"})
		if _, err := a.Start(ctx, tradeArgs{}); err != nil {
			t.Fatal(err)
		}
		if got := client.authorizeCalls()[0].UserID; got != "bob" {
			t.Errorf("user = %q, want bob", got)
		}
	})

	t.Run("explicit resolver wins over the default", func(t *testing.T) {
		client := newFakeClient(clock)
		a, err := New(client, Params[tradeArgs]{UserID: resolve.Static[tradeArgs]("alice")})
		if err != nil {
			t.Fatal(err)
		}
		ctx := authz.WithInvocation(context.Background(), authz.InvocationContext{UserID: "bob"})
		if _, err := a.Start(ctx, tradeArgs{}); err != nil {
			t.Fatal(err)
		}
		if got := client.authorizeCalls()[0].UserID; got != "alice" {
			t.Errorf("user = %q, want alice", got)
		}
	})
}

func TestStart_NoPushChannel(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock)
	client.authorizeErr = &provider.Error{StatusCode: http.StatusBadRequest, Code: provider.CodeInvalidRequest}
	a := newBlocking(t, client, clock)

	_, err := a.Start(context.Background(), tradeArgs{})
	var lacks *authz.UserLacksPushChannel
	if !errors.As(err, &lacks) || lacks.UserID != "alice" {
		t.Fatalf("err = %v, want UserLacksPushChannel for alice", err)
	}
}

func TestPoll_ApprovedAfterFourPending(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, pending(), pending(), pending(), pending(), approved("tok"))
	a := newBlocking(t, client, clock)

	req, err := a.Start(context.Background(), tradeArgs{Symbol: "ACME"})
	if err != nil {
		t.Fatal(err)
	}
	t0 := clock.Now()

	cred, err := a.Poll(context.Background(), req)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if cred.AccessToken != "tok" {
		t.Errorf("access token = %q, want tok", cred.AccessToken)
	}

	elapsed := clock.Now().Sub(t0)
	if elapsed < 4*time.Second || elapsed > 5*time.Second {
		t.Errorf("Poll returned after %v, want between 4s and 5s", elapsed)
	}
	if client.calls() != 5 {
		t.Errorf("token calls = %d, want 5", client.calls())
	}
}

func TestPoll_ExpiresAtDeadline(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, pending())
	a := newBlocking(t, client, clock)

	req, err := a.Start(context.Background(), tradeArgs{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.Poll(context.Background(), req)
	var expired *authz.AuthorizationExpired
	if !errors.As(err, &expired) {
		t.Fatalf("err = %v, want AuthorizationExpired", err)
	}
	if expired.Request.ID != "r1" {
		t.Errorf("expired request = %+v", expired.Request)
	}
	if clock.Now().After(req.Deadline()) {
		t.Errorf("Poll ran past the deadline: now %v, deadline %v", clock.Now(), req.Deadline())
	}
	for _, at := range client.tokenCalls {
		if !at.Before(req.Deadline()) {
			t.Errorf("token call at %v, not before deadline %v", at, req.Deadline())
		}
	}
}

func TestPoll_ApprovalAfterDeadlineIsDiscarded(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, approved("late"))
	a := newBlocking(t, client, clock)

	req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now().Add(-5 * time.Second), ExpiresIn: 5, Interval: 1}
	_, err := a.Poll(context.Background(), req)
	var expired *authz.AuthorizationExpired
	if !errors.As(err, &expired) {
		t.Fatalf("err = %v, want AuthorizationExpired", err)
	}
	if client.calls() != 0 {
		t.Errorf("token calls = %d, want 0", client.calls())
	}
}

// callTimeout is what the provider client returns when a single call
// exceeds its timeout.
var callTimeout = fmt.Errorf("%w: %w", provider.ErrTransport, context.DeadlineExceeded)

func TestPoll_ErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		reply tokenReply
		check func(error) bool
	}{
		{"access denied", oauthErr(http.StatusForbidden, provider.CodeAccessDenied), func(err error) bool {
			var e *authz.AccessDenied
			return errors.As(err, &e) && e.Request.ID == "r1"
		}},
		{"invalid grant", oauthErr(http.StatusBadRequest, provider.CodeInvalidGrant), func(err error) bool {
			var e *authz.InvalidGrant
			return errors.As(err, &e)
		}},
		{"no push channel", oauthErr(http.StatusBadRequest, provider.CodeInvalidRequest), func(err error) bool {
			var e *authz.UserLacksPushChannel
			return errors.As(err, &e)
		}},
		{"unexpected oauth error", oauthErr(http.StatusUnauthorized, "unauthorized_client"), func(err error) bool {
			var e *authz.AuthorizationPollingError
			return errors.As(err, &e) && e.Reason == "unauthorized_client"
		}},
		{"server error propagates", oauthErr(http.StatusBadGateway, ""), func(err error) bool {
			return errors.Is(err, provider.ErrServer) && !authz.IsInterrupt(err)
		}},
		{"transport error propagates", tokenReply{err: provider.ErrTransport}, func(err error) bool {
			return errors.Is(err, provider.ErrTransport) && !authz.IsInterrupt(err)
		}},
		{"unavailable propagates", oauthErr(http.StatusServiceUnavailable, ""), func(err error) bool {
			var pe *provider.Error
			return errors.As(err, &pe) && pe.StatusCode == http.StatusServiceUnavailable && !authz.IsInterrupt(err)
		}},
		{"call timeout before the deadline propagates", tokenReply{err: callTimeout}, func(err error) bool {
			return errors.Is(err, provider.ErrTransport) && errors.Is(err, context.DeadlineExceeded) && !authz.IsInterrupt(err)
		}},
		{"call timeout at the deadline expires", tokenReply{err: callTimeout, took: 30 * time.Second}, func(err error) bool {
			var e *authz.AuthorizationExpired
			return errors.As(err, &e)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			a := newBlocking(t, newFakeClient(clock, pending(), tt.reply), clock)
			req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 30, Interval: 1}

			_, err := a.Poll(context.Background(), req)
			if !tt.check(err) {
				t.Errorf("unexpected error %T: %v", err, err)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		reply tokenReply
		want  Status
	}{
		{pending(), StatusPending},
		{oauthErr(http.StatusBadRequest, provider.CodeSlowDown), StatusPending},
		{approved("tok"), StatusApproved},
		{oauthErr(http.StatusForbidden, provider.CodeAccessDenied), StatusRejected},
		{oauthErr(http.StatusBadRequest, provider.CodeInvalidRequest), StatusExpired},
		{oauthErr(http.StatusBadRequest, provider.CodeInvalidGrant), StatusExpired},
		{oauthErr(http.StatusBadRequest, provider.CodeExpiredToken), StatusExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			clock := newFakeClock()
			client := newFakeClient(clock, tt.reply)
			a := newBlocking(t, client, clock)
			req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 5, Interval: 1}

			res, err := a.Check(context.Background(), req)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %q, want %q", res.Status, tt.want)
			}
			if (res.Credential != nil) != (tt.want == StatusApproved) {
				t.Errorf("credential = %+v for status %q", res.Credential, res.Status)
			}
			if client.calls() != 1 {
				t.Errorf("token calls = %d, want 1", client.calls())
			}
		})
	}
}

func TestCheck_ErrorsPropagate(t *testing.T) {
	tests := []struct {
		name  string
		reply tokenReply
		check func(error) bool
	}{
		{"transport", tokenReply{err: provider.ErrTransport}, func(err error) bool {
			return errors.Is(err, provider.ErrTransport)
		}},
		{"call timeout", tokenReply{err: callTimeout}, func(err error) bool {
			return errors.Is(err, provider.ErrTransport) && errors.Is(err, context.DeadlineExceeded)
		}},
		{"unavailable", oauthErr(http.StatusServiceUnavailable, ""), func(err error) bool {
			var pe *provider.Error
			return errors.As(err, &pe) && pe.StatusCode == http.StatusServiceUnavailable
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			client := newFakeClient(clock, tt.reply)
			a := newBlocking(t, client, clock)
			req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 5, Interval: 1}

			res, err := a.Check(context.Background(), req)
			if !tt.check(err) || authz.IsInterrupt(err) {
				t.Fatalf("Check = %+v, %T %v", res, err, err)
			}
			if res.Status != "" || res.Credential != nil {
				t.Errorf("result = %+v, want zero", res)
			}

			// A failed check leaves the request open.
			client.setReplies(approved("tok"))
			if res, err := a.Check(context.Background(), req); err != nil || res.Status != StatusApproved {
				t.Errorf("retry = %+v, %v; want approved", res, err)
			}
		})
	}
}

func TestPoll_ResolvedOnce(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, approved("tok"))
	a := newBlocking(t, client, clock)
	req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 30, Interval: 1}

	if _, err := a.Poll(context.Background(), req); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	cred, err := a.Poll(context.Background(), req)
	if !errors.Is(err, ErrRequestResolved) || cred != nil {
		t.Errorf("second Poll = %v, %v; want ErrRequestResolved", cred, err)
	}
	if _, err := a.Check(context.Background(), req); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("Check after Poll = %v, want ErrRequestResolved", err)
	}
	if client.calls() != 1 {
		t.Errorf("token calls = %d, want 1", client.calls())
	}
}

func TestPoll_RejectionResolvesOnce(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, oauthErr(http.StatusForbidden, provider.CodeAccessDenied))
	a := newBlocking(t, client, clock)
	req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 30, Interval: 1}

	var denied *authz.AccessDenied
	if _, err := a.Poll(context.Background(), req); !errors.As(err, &denied) {
		t.Fatalf("Poll = %v, want AccessDenied", err)
	}
	if _, err := a.Poll(context.Background(), req); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("second Poll = %v, want ErrRequestResolved", err)
	}
	if client.calls() != 1 {
		t.Errorf("token calls = %d, want 1", client.calls())
	}
}

func TestCheck_ResolvedOnce(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, pending(), approved("tok"))
	a := newBlocking(t, client, clock)
	req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 30, Interval: 1}

	if res, err := a.Check(context.Background(), req); err != nil || res.Status != StatusPending {
		t.Fatalf("first Check = %+v, %v; want pending", res, err)
	}
	res, err := a.Check(context.Background(), req)
	if err != nil || res.Status != StatusApproved {
		t.Fatalf("second Check = %+v, %v; want approved", res, err)
	}
	if res, err := a.Check(context.Background(), req); !errors.Is(err, ErrRequestResolved) || res.Credential != nil {
		t.Errorf("third Check = %+v, %v; want ErrRequestResolved", res, err)
	}
	if _, err := a.Poll(context.Background(), req); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("Poll after Check = %v, want ErrRequestResolved", err)
	}
	if client.calls() != 2 {
		t.Errorf("token calls = %d, want 2", client.calls())
	}

	// Other requests are unaffected.
	other := req
	other.ID = "r2"
	if res, err := a.Check(context.Background(), other); err != nil || res.Status != StatusApproved {
		t.Errorf("Check(r2) = %+v, %v", res, err)
	}
}

func TestCheck_ResolvedAcrossAuthorizers(t *testing.T) {
	clock := newFakeClock()
	shared := store.NewMemoryStore()
	mk := func(client *fakeClient) *Authorizer[tradeArgs] {
		a, err := New(client, Params[tradeArgs]{
			UserID: resolve.Static[tradeArgs]("alice"),
			Store:  shared,
		}, WithClock(clock))
		if err != nil {
			t.Fatal(err)
		}
		return a
	}
	first, second := newFakeClient(clock, approved("tok")), newFakeClient(clock, approved("tok"))
	req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 30, Interval: 1}

	if _, err := mk(first).Check(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := mk(second).Check(context.Background(), req); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("Check on a replica = %v, want ErrRequestResolved", err)
	}
	if second.calls() != 0 {
		t.Errorf("replica token calls = %d, want 0", second.calls())
	}
}

func TestCheck_ExpiredWithoutCall(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, approved("tok"))
	a := newBlocking(t, client, clock)
	req := authz.AuthorizationRequest{ID: "r1", RequestedAt: clock.Now(), ExpiresIn: 5, Interval: 1}
	clock.Advance(5 * time.Second)

	res, err := a.Check(context.Background(), req)
	if err != nil || res.Status != StatusExpired {
		t.Fatalf("Check = %+v, %v; want expired", res, err)
	}
	if client.calls() != 0 {
		t.Errorf("token calls = %d, want 0", client.calls())
	}
}

func TestNew_Validation(t *testing.T) {
	clock := newFakeClock()
	tests := []struct {
		name   string
		client Client
		params Params[tradeArgs]
	}{
		{"nil client", nil, Params[tradeArgs]{}},
		{"bad mode", newFakeClient(clock), Params[tradeArgs]{Mode: "sometimes"}},
		{"expiry too long", newFakeClient(clock), Params[tradeArgs]{RequestExpiry: 10 * time.Minute}},
		{"expiry too short", newFakeClient(clock), Params[tradeArgs]{RequestExpiry: time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.client, tt.params); !errors.Is(err, authz.ErrConfiguration) {
				t.Errorf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	clock := newFakeClock()
	mk := func(scopes ...string) string {
		a, err := New(newFakeClient(clock), Params[tradeArgs]{
			UserID: resolve.Static[tradeArgs]("alice"),
			Scopes: scopes,
		})
		if err != nil {
			t.Fatal(err)
		}
		return a.Fingerprint()
	}
	if mk("stock:trade") != mk("stock:trade") {
		t.Error("identical configurations have different fingerprints")
	}
	if mk("stock:trade") == mk("stock:read") {
		t.Error("different scopes share a fingerprint")
	}
}

func TestProtect_Block(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, pending(), approved("tok"))
	a := newBlocking(t, client, clock)

	tool := a.Protect(nil, func(ctx context.Context, args tradeArgs) (any, error) {
		token, err := credctx.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		return token + ":" + args.Symbol, nil
	})

	got, err := tool(context.Background(), tradeArgs{Symbol: "ACME"})
	if err != nil {
		t.Fatalf("protected tool: %v", err)
	}
	if got != "tok:ACME" {
		t.Errorf("result = %v", got)
	}
}

func TestProtect_NestedFails(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, approved("tok"))
	a := newBlocking(t, client, clock)

	inner := a.Protect(nil, func(context.Context, tradeArgs) (any, error) { return "inner", nil })
	outer := a.Protect(nil, func(ctx context.Context, args tradeArgs) (any, error) {
		return inner(ctx, args)
	})

	_, err := outer(context.Background(), tradeArgs{})
	if !errors.Is(err, authz.ErrNestedProtect) {
		t.Fatalf("err = %v, want ErrNestedProtect", err)
	}
}

func TestProtect_ContextTornDownOnError(t *testing.T) {
	clock := newFakeClock()
	client := newFakeClient(clock, approved("tok"))
	a := newBlocking(t, client, clock)

	var leaked context.Context
	tool := a.Protect(nil, func(ctx context.Context, _ tradeArgs) (any, error) {
		leaked = ctx
		return nil, errors.New("boom")
	})
	if _, err := tool(context.Background(), tradeArgs{}); err == nil {
		t.Fatal("expected error")
	}
	if credctx.Active(leaked) {
		t.Error("credential scope still active after Protect returned")
	}
	if _, err := credctx.Credential(leaked); !errors.Is(err, authz.ErrNoActiveContext) {
		t.Errorf("Credential after return = %v, want ErrNoActiveContext", err)
	}
}
