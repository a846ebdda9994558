package ciba

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jonwraymond/toolguard/authz"
)

// Registration declares a tool protected by CIBA and where the host
// continues once the user decides.
type Registration struct {
	ToolID   string   `yaml:"tool_id" json:"tool_id"`
	Scope    []string `yaml:"scope" json:"scope,omitempty"`
	Audience string   `yaml:"audience" json:"audience,omitempty"`

	// BindingMessage overrides the authorizer's binding message.
	BindingMessage string `yaml:"binding_message" json:"binding_message,omitempty"`

	// OnApprove and OnReject name the host continuations.
	OnApprove string `yaml:"on_approve" json:"on_approve"`
	OnReject  string `yaml:"on_reject" json:"on_reject"`
}

// Validate checks the required fields.
func (r Registration) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ToolID) == "" {
		errs = append(errs, authz.MissingParameter("tool_id"))
	}
	if r.OnApprove == "" {
		errs = append(errs, authz.MissingParameter(r.ToolID+".on_approve"))
	}
	if r.OnReject == "" {
		errs = append(errs, authz.MissingParameter(r.ToolID+".on_reject"))
	}
	return errors.Join(errs...)
}

// Continuation returns the continuation for a resolved state.
func (r Registration) Continuation(s State) string {
	if s == StateApproved {
		return r.OnApprove
	}
	return r.OnReject
}

// Registry holds the registrations of protected tools. It is read-only
// once built and safe for concurrent use.
type Registry struct {
	regs map[string]Registration
}

// NewRegistry validates regs and builds a Registry.
func NewRegistry(regs ...Registration) (*Registry, error) {
	r := &Registry{regs: make(map[string]Registration, len(regs))}
	for _, reg := range regs {
		if err := reg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.regs[reg.ToolID]; dup {
			return nil, authz.InvalidParameter("tool_id", fmt.Sprintf("tool %q registered twice", reg.ToolID))
		}
		reg.Scope = append([]string(nil), reg.Scope...)
		r.regs[reg.ToolID] = reg
	}
	return r, nil
}

// Lookup returns the registration of toolID.
func (r *Registry) Lookup(toolID string) (Registration, bool) {
	if r == nil {
		return Registration{}, false
	}
	reg, ok := r.regs[toolID]
	if ok {
		reg.Scope = append([]string(nil), reg.Scope...)
	}
	return reg, ok
}

// Tools returns the registered tool IDs, sorted.
func (r *Registry) Tools() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.regs))
	for id := range r.regs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
