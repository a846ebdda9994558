package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/scheduler"
	"github.com/jonwraymond/toolguard/store"
)

// Resolution describes a resolved authorization handed to the host.
type Resolution struct {
	TaskID   string `json:"task_id"`
	ToolID   string `json:"tool_id"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
	State    State  `json:"state"`

	// Continuation is the registered OnApprove or OnReject target.
	Continuation string `json:"continuation,omitempty"`

	// PendingKey identifies the invocation to re-run.
	PendingKey []string `json:"pending_key"`

	// Credential is set for approved requests. It is never serialized.
	Credential *authz.Credential `json:"-"`
}

// Resumer delivers resolutions to the host so it can re-run the
// interrupted invocation.
type Resumer interface {
	Resume(ctx context.Context, task scheduler.Task, res Resolution) error
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, task scheduler.Task, res Resolution) error

// Resume calls f.
func (f ResumerFunc) Resume(ctx context.Context, task scheduler.Task, res Resolution) error {
	return f(ctx, task, res)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Client checks requests. Required.
	Client TokenClient

	// Store is the pending store shared with the authorizers. Required.
	Store store.Store

	// Scheduler is told to cancel tasks that are done. Required.
	Scheduler scheduler.Scheduler

	// Resumer receives resolutions. Required.
	Resumer Resumer

	Registry *Registry
	Logger   observe.Logger

	// ResumeWindow is how long resolved entries wait for the host.
	// Default: DefaultResumeWindow
	ResumeWindow time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Poller is the scheduled check of pending authorizations. Each run makes
// at most one provider call.
type Poller struct {
	cfg     PollerConfig
	pending *store.SubStore[Pending]
}

// NewPoller validates cfg and creates a Poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	var errs []error
	if cfg.Client == nil {
		errs = append(errs, authz.MissingParameter("client"))
	}
	if cfg.Store == nil {
		errs = append(errs, authz.MissingParameter("store"))
	}
	if cfg.Scheduler == nil {
		errs = append(errs, authz.MissingParameter("scheduler"))
	}
	if cfg.Resumer == nil {
		errs = append(errs, authz.MissingParameter("resumer"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = DefaultResumeWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{cfg: cfg, pending: store.NewSubStore[Pending](cfg.Store, nil)}, nil
}

// Run checks the pending authorization of task once. While the provider
// reports it pending, Run leaves the entry and the schedule alone. Once it
// resolves, Run records the state, resumes the host and cancels the task.
func (p *Poller) Run(ctx context.Context, task scheduler.Task) error {
	log := p.cfg.Logger.With(observe.Meta{Authorizer: "ciba", Tool: task.ToolID})
	ns, key := pendingLocation(task.PendingKey)

	entry, ok, err := p.pending.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	if !ok || entry.Notified || !(entry.State == StatePending || entry.State.Resolved()) {
		log.Debug(ctx, "pending authorization gone, cancelling check", observe.F("task_id", task.ID))
		return p.cfg.Scheduler.Cancel(ctx, task.ID)
	}

	if entry.State == StatePending {
		now := p.cfg.Now()
		res, err := Check(ctx, p.cfg.Client, entry.Request, now)
		if err != nil {
			return err
		}
		if res.Status == StatusPending {
			return nil
		}
		if err := entry.Transition(res.Status.State()); err != nil {
			return err
		}
		entry.Credential = res.Credential
		if !expiredAt(entry.Request, now) && len(task.PendingKey) > 0 {
			if err := recordResolved(ctx, p.pending, task.PendingKey[0], entry.Request, entry.State, now, p.cfg.ResumeWindow); err != nil {
				return err
			}
		}
		if err := p.pending.PutTTL(ctx, ns, key, entry, p.cfg.ResumeWindow); err != nil {
			return err
		}
		log.Info(ctx, "authorization resolved",
			observe.F("auth_req_id", entry.Request.ID),
			observe.F("state", string(entry.State)),
		)
	}

	res := Resolution{
		TaskID:     task.ID,
		ToolID:     task.ToolID,
		UserID:     task.UserID,
		ThreadID:   task.ThreadID,
		State:      entry.State,
		PendingKey: task.PendingKey,
		Credential: entry.Credential,
	}
	if reg, ok := p.cfg.Registry.Lookup(task.ToolID); ok {
		res.Continuation = reg.Continuation(entry.State)
	}
	if err := p.cfg.Resumer.Resume(ctx, task, res); err != nil {
		return fmt.Errorf("ciba: resume %s: %w", task.ID, err)
	}

	entry.Notified = true
	if err := p.pending.PutTTL(ctx, ns, key, entry, p.cfg.ResumeWindow); err != nil {
		return err
	}
	return p.cfg.Scheduler.Cancel(ctx, task.ID)
}

var _ scheduler.Runner = (*Poller)(nil)

// WebhookResumer POSTs resolutions as JSON to the task's continuation URL.
type WebhookResumer struct {
	http    *http.Client
	headers http.Header
}

// NewWebhookResumer creates a WebhookResumer. headers are added to every
// request.
func NewWebhookResumer(hc *http.Client, headers http.Header) *WebhookResumer {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookResumer{http: hc, headers: headers.Clone()}
}

// Resume posts res to task.Continuation.
func (w *WebhookResumer) Resume(ctx context.Context, task scheduler.Task, res Resolution) error {
	if task.Continuation == "" {
		return authz.MissingParameter("continuation")
	}
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Continuation, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ciba: create resume request: %w", err)
	}
	for k, vs := range w.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("ciba: resume webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ciba: resume webhook: status %d", resp.StatusCode)
	}
	return nil
}

var _ Resumer = (*WebhookResumer)(nil)
