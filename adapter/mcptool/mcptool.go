// Package mcptool exposes protected tools on an MCP server built with
// mark3labs/mcp-go.
//
// Interrupts are returned as tool error results whose text is the JSON
// encoded interrupt, so the client can render the remediation and call
// the tool again with the same arguments. Fatal errors are returned as
// handler errors.
package mcptool

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jonwraymond/toolguard/authz"
	"github.com/jonwraymond/toolguard/store"
	"github.com/jonwraymond/toolguard/tool"
)

// Extractor derives the invocation context of an MCP tool call.
type Extractor func(ctx context.Context, req mcp.CallToolRequest) authz.InvocationContext

// Option configures the adapter.
type Option func(*options)

type options struct {
	extract Extractor
}

// WithExtractor replaces DefaultExtractor.
func WithExtractor(fn Extractor) Option {
	return func(o *options) { o.extract = fn }
}

// DefaultExtractor keeps the invocation context already attached to ctx
// and fills in what is missing: the MCP session as thread, the tool name,
// and a tool call id derived from the tool name and arguments. Retrying a
// call with the same arguments in the same session therefore resumes the
// same pending authorization.
func DefaultExtractor(ctx context.Context, req mcp.CallToolRequest) authz.InvocationContext {
	ic := authz.InvocationFrom(ctx)
	if ic.ThreadID == "" {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			ic.ThreadID = session.SessionID()
		}
	}
	if ic.ToolName == "" {
		ic.ToolName = req.Params.Name
	}
	if ic.ToolCallID == "" {
		raw, _ := json.Marshal(req.Params.Arguments)
		ic.ToolCallID = store.HashKey(req.Params.Name, string(raw))
	}
	return ic
}

// New converts t into an MCP server tool.
func New[A any](t tool.Tool[A], opts ...Option) (server.ServerTool, error) {
	if err := t.Validate(); err != nil {
		return server.ServerTool{}, err
	}
	o := options{extract: DefaultExtractor}
	for _, opt := range opts {
		opt(&o)
	}

	var def mcp.Tool
	if len(t.InputSchema) > 0 {
		def = mcp.NewToolWithRawSchema(t.Name, t.Description, t.InputSchema)
	} else {
		def = mcp.NewTool(t.Name, mcp.WithDescription(t.Description))
	}

	return server.ServerTool{
		Tool: def,
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			raw, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			args, err := tool.DecodeArgs[A](raw)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}

			ctx = authz.WithInvocation(ctx, o.extract(ctx, req))
			return toResult(t.Invoke(ctx, args))
		},
	}, nil
}

func toResult(out authz.Outcome[any]) (*mcp.CallToolResult, error) {
	switch out.Kind() {
	case authz.OutcomeInterrupt:
		data, err := json.Marshal(out.Interrupt)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultError(string(data)), nil
	case authz.OutcomeFatal:
		return nil, out.Err
	}
	text, err := tool.Text(out.Value)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(text), nil
}
