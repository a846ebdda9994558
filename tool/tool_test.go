package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jonwraymond/toolguard/authz"
)

type lookupArgs struct {
	Query string `json:"query"`
}

type recordingProtector struct {
	seen  []authz.InvocationContext
	intr  authz.Interrupt
	wraps int
}

func (p *recordingProtector) Protect(extract authz.ContextExtractor[lookupArgs], execute authz.ExecuteFunc[lookupArgs]) authz.ExecuteFunc[lookupArgs] {
	p.wraps++
	return func(ctx context.Context, args lookupArgs) (any, error) {
		p.seen = append(p.seen, extract(ctx, args))
		if p.intr != nil {
			return nil, p.intr
		}
		return execute(ctx, args)
	}
}

func lookup() Tool[lookupArgs] {
	return Tool[lookupArgs]{
		Name:        "lookup",
		Description: "Looks up a record.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		Execute: func(_ context.Context, a lookupArgs) (any, error) {
			return "found " + a.Query, nil
		},
	}
}

func TestWrap_KeepsMetadataAndFillsToolName(t *testing.T) {
	p := &recordingProtector{}
	wrapped, err := Wrap(lookup(), p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if wrapped.Name != "lookup" || wrapped.Description != "Looks up a record." || string(wrapped.InputSchema) == "" {
		t.Errorf("metadata lost: %+v", wrapped)
	}

	ctx := authz.WithInvocation(context.Background(), authz.InvocationContext{ThreadID: "t1", ToolCallID: "c1"})
	out := wrapped.Invoke(ctx, lookupArgs{Query: "acme"})
	if out.Kind() != authz.OutcomeOK || out.Value != "found acme" {
		t.Fatalf("outcome = %+v", out)
	}
	want := authz.InvocationContext{ThreadID: "t1", ToolName: "lookup", ToolCallID: "c1"}
	if p.seen[0] != want {
		t.Errorf("invocation = %+v, want %+v", p.seen[0], want)
	}
}

func TestWrap_Validation(t *testing.T) {
	if _, err := Wrap(Tool[lookupArgs]{Name: "x"}, &recordingProtector{}, nil); !errors.Is(err, ErrInvalidTool) {
		t.Errorf("no execute err = %v", err)
	}
	if _, err := Wrap(lookup(), nil, nil); !errors.Is(err, ErrInvalidTool) {
		t.Errorf("nil protector err = %v", err)
	}
}

func TestBoundary_Classifies(t *testing.T) {
	intr := &authz.AuthorizationPending{Request: authz.AuthorizationRequest{ID: "r1", ExpiresIn: 300, Interval: 5}}
	p := &recordingProtector{intr: intr}
	wrapped, _ := Wrap(lookup(), p, nil)

	out := wrapped.Invoke(context.Background(), lookupArgs{})
	if out.Kind() != authz.OutcomeInterrupt || out.Interrupt.Code() != authz.CodeAuthorizationPending {
		t.Fatalf("outcome = %+v", out)
	}
	res := NewResult(out)
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Interrupt struct {
			Code string `json:"code"`
		} `json:"interrupt"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Interrupt.Code != string(authz.CodeAuthorizationPending) {
		t.Errorf("encoded = %s", data)
	}

	boom := errors.New("database offline")
	broken := Tool[lookupArgs]{Name: "broken", Execute: func(context.Context, lookupArgs) (any, error) { return nil, boom }}
	out = broken.Invoke(context.Background(), lookupArgs{})
	if out.Kind() != authz.OutcomeFatal || !errors.Is(out.Cause(), boom) {
		t.Errorf("fatal outcome = %+v", out)
	}
	if NewResult(out).Error != "database offline" {
		t.Errorf("result = %+v", NewResult(out))
	}
}

func TestDecodeArgsAndText(t *testing.T) {
	args, err := DecodeArgs[lookupArgs]([]byte(`{"query":"acme"}`))
	if err != nil || args.Query != "acme" {
		t.Errorf("DecodeArgs = %+v, %v", args, err)
	}
	if _, err := DecodeArgs[lookupArgs]([]byte(`{"query":`)); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("bad json err = %v", err)
	}

	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{map[string]int{"n": 1}, `{"n":1}`},
	}
	for _, tt := range tests {
		if got, _ := Text(tt.in); got != tt.want {
			t.Errorf("Text(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
