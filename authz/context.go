package authz

import "context"

type contextKey int

const (
	invocationKey contextKey = iota
	hostCredentialsKey
)

// InvocationContext identifies one tool invocation within a host
// conversation. Hosts attach it with WithInvocation before calling a
// protected tool.
type InvocationContext struct {
	ThreadID     string `json:"thread_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolCallID   string `json:"tool_call_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	CheckpointNS string `json:"checkpoint_ns,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// WithInvocation returns a context carrying ic.
func WithInvocation(ctx context.Context, ic InvocationContext) context.Context {
	return context.WithValue(ctx, invocationKey, ic)
}

// InvocationFrom returns the invocation context attached to ctx, or the
// zero value.
func InvocationFrom(ctx context.Context) InvocationContext {
	ic, _ := ctx.Value(invocationKey).(InvocationContext)
	return ic
}

// HostCredentials are the signed-in user's session tokens as known to the
// host application.
type HostCredentials struct {
	AccessToken  string
	RefreshToken string
}

// WithHostCredentials returns a context carrying the host session tokens.
func WithHostCredentials(ctx context.Context, c HostCredentials) context.Context {
	return context.WithValue(ctx, hostCredentialsKey, c)
}

// HostCredentialsFrom returns the host session tokens attached to ctx.
func HostCredentialsFrom(ctx context.Context) (HostCredentials, bool) {
	c, ok := ctx.Value(hostCredentialsKey).(HostCredentials)
	return c, ok
}
