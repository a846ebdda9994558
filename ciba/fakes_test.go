package ciba

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/provider"
	"github.com/jonwraymond/toolguard/scheduler"
)

type tradeArgs struct {
	Symbol string
	Qty    int
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type tokenReply struct {
	cred *authz.Credential
	err  error

	// took advances the clock before the reply is returned.
	took time.Duration
}

func pending() tokenReply {
	return tokenReply{err: &provider.Error{StatusCode: http.StatusBadRequest, Code: provider.CodeAuthorizationPending}}
}

func oauthErr(status int, code string) tokenReply {
	return tokenReply{err: &provider.Error{StatusCode: status, Code: code}}
}

func approved(token string) tokenReply {
	return tokenReply{cred: &authz.Credential{AccessToken: token, TokenType: "Bearer", ExpiresIn: 3600, Scope: authz.Scopes{"openid", "stock:trade"}}}
}

// fakeClient scripts the provider. Token replies are consumed in order and
// the last one repeats.
type fakeClient struct {
	clock *fakeClock

	mu           sync.Mutex
	authorizeErr error
	resp         provider.BackchannelResponse
	requests     []provider.BackchannelRequest
	replies      []tokenReply
	tokenCalls   []time.Time
}

func newFakeClient(clock *fakeClock, replies ...tokenReply) *fakeClient {
	return &fakeClient{
		clock:   clock,
		resp:    provider.BackchannelResponse{AuthReqID: "r1", ExpiresIn: 5, Interval: 1},
		replies: replies,
	}
}

func (f *fakeClient) PublicConfig() map[string]any {
	return map[string]any{"domain": "tenant.example.com", "client_id": "c1", "protocol": "https"}
}

func (f *fakeClient) BackchannelAuthorize(_ context.Context, r provider.BackchannelRequest) (*provider.BackchannelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if f.authorizeErr != nil {
		return nil, f.authorizeErr
	}
	resp := f.resp
	if n := len(f.requests); n > 1 {
		resp.AuthReqID = fmt.Sprintf("%s-%d", resp.AuthReqID, n)
	}
	return &resp, nil
}

func (f *fakeClient) BackchannelToken(_ context.Context, authReqID string) (*authz.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls = append(f.tokenCalls, f.clock.Now())
	if len(f.replies) == 0 {
		return nil, pending().err
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	if r.took > 0 {
		f.clock.Advance(r.took)
	}
	return r.cred, r.err
}

func (f *fakeClient) setReplies(replies ...tokenReply) {
	f.mu.Lock()
	f.replies = replies
	f.mu.Unlock()
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokenCalls)
}

func (f *fakeClient) authorizeCalls() []provider.BackchannelRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.BackchannelRequest(nil), f.requests...)
}

type fakeScheduler struct {
	mu        sync.Mutex
	tasks     []scheduler.Task
	cancelled []string
}

func (s *fakeScheduler) Schedule(_ context.Context, task scheduler.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.ID = "task-" + task.Request.ID
	s.tasks = append(s.tasks, task)
	return task.ID, nil
}

func (s *fakeScheduler) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}
