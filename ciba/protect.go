package ciba

import (
	"context"
	"errors"
	"time"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/credctx"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/scheduler"
	"github.com/jonwraymond/toolguard/store"
)

// PendingKey returns the key of the pending authorization of an
// invocation: the authorizer fingerprint, thread, tool and tool call.
func (a *Authorizer[A]) PendingKey(ic authz.InvocationContext) []string {
	return []string{a.fingerprint, ic.ThreadID, ic.ToolName, ic.ToolCallID}
}

// pendingLocation maps a pending key to its store namespace and key.
func pendingLocation(pk []string) (store.Namespace, string) {
	if len(pk) == 0 {
		return store.Namespace{"pending"}, store.HashKey()
	}
	return store.Namespace{pk[0], "pending"}, store.HashKey(pk[1:]...)
}

// Protect wraps execute so that it runs only after the user approved the
// invocation. extract may be nil, in which case the invocation context
// attached to ctx is used.
func (a *Authorizer[A]) Protect(extract authz.ContextExtractor[A], execute authz.ExecuteFunc[A]) authz.ExecuteFunc[A] {
	if extract == nil {
		extract = authz.FromContext[A]
	}
	meta := observe.Meta{Authorizer: "ciba", Mode: string(a.params.Mode)}
	return observe.Instrument(a.opts.mw, meta, func(ctx context.Context, args A) (any, error) {
		return a.protect(ctx, args, extract, execute)
	})
}

func (a *Authorizer[A]) protect(ctx context.Context, args A, extract authz.ContextExtractor[A], execute authz.ExecuteFunc[A]) (any, error) {
	ic := extract(ctx, args)
	ctx, scope, err := credctx.Enter(ctx, credctx.Values{
		Invocation:     ic,
		RequiredScopes: a.params.Scopes,
	})
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	ctx = authz.WithInvocation(ctx, ic)

	if a.params.Mode == ModeBlock {
		req, _, err := a.start(ctx, args, ic.ToolName)
		if err != nil {
			return nil, err
		}
		cred, err := a.Poll(ctx, req)
		if err != nil {
			return nil, err
		}
		return a.run(ctx, scope, args, cred, execute)
	}

	ns, key := pendingLocation(a.PendingKey(ic))
	entry, err := a.acquire(ctx, args, ic, ns, key)
	if err != nil {
		return nil, err
	}

	if err := entry.Transition(StateResumed); err != nil {
		return nil, err
	}
	if err := a.pending.PutTTL(ctx, ns, key, entry, a.params.ResumeWindow); err != nil {
		return nil, err
	}
	defer func() {
		// CLOSED: the authorization is consumed by this invocation.
		if err := a.pending.Delete(context.WithoutCancel(ctx), ns, key); err != nil {
			a.opts.logger.Warn(ctx, "failed to close pending authorization", observe.F("error", err))
		}
	}()
	return a.run(ctx, scope, args, entry.Credential, execute)
}

// acquire returns the approved pending entry of the invocation, or the
// interrupt describing why the tool cannot run yet.
func (a *Authorizer[A]) acquire(ctx context.Context, args A, ic authz.InvocationContext, ns store.Namespace, key string) (*Pending, error) {
	entry, ok, err := a.pending.Get(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	if ok && (entry.State == StateResumed || entry.State == StateClosed) {
		// A previous resumption never closed the entry; start over.
		ok = false
	}
	if !ok {
		return nil, a.initiate(ctx, args, ic, ns, key)
	}

	switch entry.State {
	case StatePending:
		res, err := a.Check(ctx, entry.Request)
		if err != nil {
			return nil, err
		}
		if res.Status == StatusPending {
			return nil, &authz.AuthorizationPending{Request: entry.Request}
		}
		if err := entry.Transition(res.Status.State()); err != nil {
			return nil, err
		}
		entry.Credential = res.Credential
		a.cancelTask(ctx, entry.TaskID)
	case StateApproved, StateRejected, StateExpired:
	default:
		return nil, errors.Join(ErrInvalidTransition, errors.New("ciba: unknown pending state "+string(entry.State)))
	}

	if entry.State != StateApproved {
		if err := a.pending.Delete(ctx, ns, key); err != nil {
			return nil, err
		}
		a.opts.logger.Info(ctx, "authorization not granted",
			observe.F("auth_req_id", entry.Request.ID),
			observe.F("state", string(entry.State)),
		)
		return nil, interruptFor(entry.State, entry.Request)
	}
	return entry, nil
}

// initiate starts a request, records it as PENDING and schedules its
// check. It always returns an error: the pending interrupt on success.
func (a *Authorizer[A]) initiate(ctx context.Context, args A, ic authz.InvocationContext, ns store.Namespace, key string) error {
	req, userID, err := a.start(ctx, args, ic.ToolName)
	if err != nil {
		return err
	}
	entry := &Pending{State: StateInitiated, Request: req, UserID: userID, ToolID: ic.ToolName}
	if err := entry.Transition(StatePending); err != nil {
		return err
	}

	if a.opts.scheduler != nil {
		id, err := a.opts.scheduler.Schedule(ctx, scheduler.Task{
			ToolID:       ic.ToolName,
			UserID:       userID,
			ThreadID:     ic.ThreadID,
			Request:      req,
			Continuation: a.params.Continuation,
			PendingKey:   a.PendingKey(ic),
		})
		if err != nil {
			return err
		}
		entry.TaskID = id
	}

	ttl := time.Duration(req.ExpiresIn)*time.Second + a.params.ResumeWindow
	if err := a.pending.PutTTL(ctx, ns, key, entry, ttl); err != nil {
		a.cancelTask(ctx, entry.TaskID)
		return err
	}
	return &authz.AuthorizationPending{Request: req}
}

func (a *Authorizer[A]) cancelTask(ctx context.Context, id string) {
	if id == "" || a.opts.scheduler == nil {
		return
	}
	if err := a.opts.scheduler.Cancel(ctx, id); err != nil {
		a.opts.logger.Warn(ctx, "failed to cancel scheduled check", observe.F("task_id", id), observe.F("error", err))
	}
}

// run stores cred in the credential scope and executes the tool.
func (a *Authorizer[A]) run(ctx context.Context, scope *credctx.Scope, args A, cred *authz.Credential, execute authz.ExecuteFunc[A]) (any, error) {
	if cred == nil {
		return nil, errors.New("ciba: approved authorization has no credential")
	}
	if a.opts.verifier != nil && cred.IDToken != "" {
		if _, err := a.opts.verifier.Verify(ctx, cred.IDToken); err != nil {
			return nil, err
		}
	}
	if err := scope.Update(func(v *credctx.Values) {
		v.Credential = cred
		v.GrantedScopes = cred.Scope
	}); err != nil {
		return nil, err
	}
	return execute(ctx, args)
}
