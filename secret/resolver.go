package secret

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const refPrefix = "secretref:"

// Resolver resolves environment variables and secret references.
type Resolver struct {
	providers map[string]Provider
	strict    bool
}

// NewResolver returns a Resolver with providers. In strict mode a
// reference resolving to "" is an error.
func NewResolver(strict bool, providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider), strict: strict}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Default returns a strict Resolver with the env and file providers.
func Default(fileDir string) *Resolver {
	return NewResolver(true, EnvProvider{}, FileProvider{Dir: fileDir})
}

// ParseRef splits a full reference "secretref:<provider>:<ref>".
func ParseRef(value string) (provider, ref string, ok bool) {
	rest, found := strings.CutPrefix(value, refPrefix)
	if !found {
		return "", "", false
	}
	provider, ref, found = strings.Cut(rest, ":")
	if !found || provider == "" || ref == "" {
		return "", "", false
	}
	return provider, ref, true
}

// ResolveValue expands value and replaces every secret reference in it.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	expanded, err := ExpandEnvStrict(value)
	if err != nil {
		return "", err
	}
	if provider, ref, ok := ParseRef(expanded); ok {
		return r.resolve(ctx, provider, ref)
	}
	return r.resolveInline(ctx, expanded)
}

// ResolveFields resolves each non-empty field in place. The error names
// the failing field.
func (r *Resolver) ResolveFields(ctx context.Context, fields map[string]*string) error {
	for name, p := range fields {
		if p == nil || *p == "" {
			continue
		}
		v, err := r.ResolveValue(ctx, *p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		*p = v
	}
	return nil
}

// ResolveSlice resolves every value.
func (r *Resolver) ResolveSlice(ctx context.Context, values []string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		resolved, err := r.ResolveValue(ctx, v)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, provider, ref string) (string, error) {
	p, ok := r.providers[provider]
	if !ok {
		return "", fmt.Errorf("secret: provider %q is not registered", provider)
	}
	v, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if r.strict && v == "" {
		return "", fmt.Errorf("secret: provider %q returned an empty value", provider)
	}
	return v, nil
}

var inlineRef = regexp.MustCompile(`secretref:([^:\s]+):(\S+)`)

func (r *Resolver) resolveInline(ctx context.Context, value string) (string, error) {
	var firstErr error
	out := inlineRef.ReplaceAllStringFunc(value, func(m string) string {
		if firstErr != nil {
			return m
		}
		sub := inlineRef.FindStringSubmatch(m)
		v, err := r.resolve(ctx, sub[1], sub[2])
		if err != nil {
			firstErr = err
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
