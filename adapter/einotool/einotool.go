// Package einotool exposes protected tools as cloudwego/eino invokable
// tools.
//
// An interrupt suspends the eino graph with compose.NewInterruptAndRerunErr
// carrying the interrupt as extra data. The host resumes the graph from
// its checkpoint once the user acted, which reruns the tool node with the
// original arguments.
package einotool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/store"
	guardtool "github.com/jonwraymond/toolguard/tool"
)

// Extractor derives the invocation context of an eino tool call.
type Extractor func(ctx context.Context, name, argumentsInJSON string) authz.InvocationContext

// Option configures the adapter.
type Option func(*options)

type options struct {
	params    *schema.ParamsOneOf
	extract   Extractor
	interrupt func(authz.Interrupt) error
}

// WithParams sets the parameter schema reported by Info. Without it Info
// reports the tool's InputSchema.
func WithParams(p *schema.ParamsOneOf) Option {
	return func(o *options) { o.params = p }
}

// WithExtractor replaces DefaultExtractor.
func WithExtractor(fn Extractor) Option {
	return func(o *options) { o.extract = fn }
}

// WithInterruptHandler replaces the conversion of interrupts into the
// error returned to the graph.
func WithInterruptHandler(fn func(authz.Interrupt) error) Option {
	return func(o *options) { o.interrupt = fn }
}

// DefaultExtractor keeps the invocation context attached to ctx and fills
// in the tool name and, when missing, a tool call id derived from the
// tool name and arguments.
func DefaultExtractor(ctx context.Context, name, argumentsInJSON string) authz.InvocationContext {
	ic := authz.InvocationFrom(ctx)
	if ic.ToolName == "" {
		ic.ToolName = name
	}
	if ic.ToolCallID == "" {
		ic.ToolCallID = store.HashKey(name, argumentsInJSON)
	}
	return ic
}

func rerun(intr authz.Interrupt) error {
	return compose.NewInterruptAndRerunErr(intr)
}

// Tool is an eino InvokableTool running a protected tool.
type Tool[A any] struct {
	t    guardtool.Tool[A]
	opts options
}

var _ tool.InvokableTool = (*Tool[struct{}])(nil)

// New converts t into an eino tool.
func New[A any](t guardtool.Tool[A], opts ...Option) (*Tool[A], error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	o := options{extract: DefaultExtractor, interrupt: rerun}
	for _, opt := range opts {
		opt(&o)
	}
	if o.params == nil && len(t.InputSchema) > 0 {
		var js jsonschema.Schema
		if err := json.Unmarshal(t.InputSchema, &js); err != nil {
			return nil, fmt.Errorf("einotool: decode input schema of %s: %w", t.Name, err)
		}
		o.params = schema.NewParamsOneOfByJSONSchema(&js)
	}
	return &Tool[A]{t: t, opts: o}, nil
}

// Info describes the tool to the model.
func (t *Tool[A]) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        t.t.Name,
		Desc:        t.t.Description,
		ParamsOneOf: t.opts.params,
	}, nil
}

// InvokableRun decodes the arguments and runs the tool. Results are
// rendered as text; interrupts become the configured interrupt error.
func (t *Tool[A]) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	args, err := guardtool.DecodeArgs[A]([]byte(argumentsInJSON))
	if err != nil {
		return "", err
	}
	ctx = authz.WithInvocation(ctx, t.opts.extract(ctx, t.t.Name, argumentsInJSON))

	out := t.t.Invoke(ctx, args)
	switch out.Kind() {
	case authz.OutcomeInterrupt:
		return "", t.opts.interrupt(out.Interrupt)
	case authz.OutcomeFatal:
		return "", out.Err
	}
	return guardtool.Text(out.Value)
}
