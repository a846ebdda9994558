// Package tool defines the framework-neutral tool triple protected by the
// authorizers, and the boundary where adapters turn interrupts into their
// framework's suspension primitive.
package tool

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jonwraymond/toolguard/authz"
)

// ErrInvalidTool is returned for a tool without a name or execute function.
var ErrInvalidTool = errors.New("tool: invalid tool")

// Tool is a named function with a description and a JSON schema for its
// arguments.
type Tool[A any] struct {
	Name        string
	Description string

	// InputSchema is the JSON schema of A. It may be nil.
	InputSchema json.RawMessage

	Execute authz.ExecuteFunc[A]
}

// Validate reports a tool that cannot be invoked.
func (t Tool[A]) Validate() error {
	if t.Name == "" {
		return errors.Join(ErrInvalidTool, errors.New("name is required"))
	}
	if t.Execute == nil {
		return errors.Join(ErrInvalidTool, errors.New("execute is required"))
	}
	return nil
}

// Protector wraps an execute function with an authorization check.
// *ciba.Authorizer and *federated.Authorizer implement it.
type Protector[A any] interface {
	Protect(extract authz.ContextExtractor[A], execute authz.ExecuteFunc[A]) authz.ExecuteFunc[A]
}

// Wrap returns t with Execute running under p. Name, description and
// schema are kept. extract may be nil; the invocation context attached to
// the call context is then used. In both cases an empty tool name is
// filled in with t.Name.
//
// A tool can be wrapped by only one Protector: protected invocations do
// not nest.
func Wrap[A any](t Tool[A], p Protector[A], extract authz.ContextExtractor[A]) (Tool[A], error) {
	if err := t.Validate(); err != nil {
		return Tool[A]{}, err
	}
	if p == nil {
		return Tool[A]{}, errors.Join(ErrInvalidTool, errors.New("protector is required"))
	}
	if extract == nil {
		extract = authz.FromContext[A]
	}
	name := t.Name
	named := func(ctx context.Context, args A) authz.InvocationContext {
		ic := extract(ctx, args)
		if ic.ToolName == "" {
			ic.ToolName = name
		}
		return ic
	}
	t.Execute = p.Protect(named, t.Execute)
	return t, nil
}

// Boundary runs execute and classifies the result. It is the single place
// where interrupts are caught; adapters translate the outcome and never
// inspect errors deeper in the stack.
func Boundary[A any](ctx context.Context, execute authz.ExecuteFunc[A], args A) authz.Outcome[any] {
	v, err := execute(ctx, args)
	return authz.Classify(v, err)
}

// Invoke runs t through Boundary.
func (t Tool[A]) Invoke(ctx context.Context, args A) authz.Outcome[any] {
	return Boundary(ctx, t.Execute, args)
}

// DecodeArgs decodes JSON encoded arguments into A.
func DecodeArgs[A any](raw []byte) (A, error) {
	var args A
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, errors.Join(ErrInvalidArguments, err)
	}
	return args, nil
}

// ErrInvalidArguments is returned when call arguments do not decode.
var ErrInvalidArguments = errors.New("tool: invalid arguments")

// Result is the JSON form of an outcome returned to a model.
type Result struct {
	Value     any             `json:"value,omitempty"`
	Interrupt authz.Interrupt `json:"interrupt,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewResult converts an outcome to its JSON form.
func NewResult(o authz.Outcome[any]) Result {
	switch o.Kind() {
	case authz.OutcomeInterrupt:
		return Result{Interrupt: o.Interrupt}
	case authz.OutcomeFatal:
		return Result{Error: o.Err.Error()}
	default:
		return Result{Value: o.Value}
	}
}

// Text renders a tool value as text: strings as is, everything else as
// JSON.
func Text(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
