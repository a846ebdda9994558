package authz

import (
	"encoding/json"
	"slices"
	"strings"
)

// Scopes is an ordered set of OAuth scopes.
//
// In JSON a Scopes value is written as a space-delimited string and may be
// read from either a string or an array of strings.
type Scopes []string

// ParseScopes splits a space-delimited scope string, dropping duplicates.
func ParseScopes(s string) Scopes {
	return NewScopes(strings.Fields(s)...)
}

// NewScopes returns the scopes in order of first appearance, without
// duplicates or empty entries.
func NewScopes(scopes ...string) Scopes {
	out := make(Scopes, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// String returns the space-delimited form.
func (s Scopes) String() string {
	return strings.Join(s, " ")
}

// Has reports whether scope is present.
func (s Scopes) Has(scope string) bool {
	return slices.Contains(s, scope)
}

// Contains reports whether every scope in required is present.
func (s Scopes) Contains(required []string) bool {
	return len(s.Missing(required)) == 0
}

// Missing returns the scopes of required that are not present, in order.
func (s Scopes) Missing(required []string) Scopes {
	var missing Scopes
	for _, r := range required {
		if !s.Has(r) && !missing.Has(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// Union returns s followed by the scopes of other not already in s.
func (s Scopes) Union(other []string) Scopes {
	out := NewScopes(s...)
	for _, o := range other {
		if o != "" && !out.Has(o) {
			out = append(out, o)
		}
	}
	return out
}

// MarshalJSON writes the scopes as a space-delimited string.
func (s Scopes) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a space-delimited string or an array of strings.
func (s *Scopes) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = ParseScopes(str)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewScopes(list...)
	return nil
}
