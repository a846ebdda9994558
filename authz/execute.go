package authz

import "context"

// ExecuteFunc runs a tool with its call arguments.
type ExecuteFunc[A any] func(ctx context.Context, args A) (any, error)

// ContextExtractor derives the invocation context of a call.
type ContextExtractor[A any] func(ctx context.Context, args A) InvocationContext

// FromContext is the default ContextExtractor. It returns the invocation
// context attached with WithInvocation.
func FromContext[A any](ctx context.Context, _ A) InvocationContext {
	return InvocationFrom(ctx)
}
