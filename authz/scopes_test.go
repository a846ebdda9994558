package authz

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseScopes_DropsDuplicates(t *testing.T) {
	got := ParseScopes("  openid  email openid profile ")
	want := Scopes{"openid", "email", "profile"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseScopes mismatch (-want +got):\n%s", diff)
	}
}

func TestScopes_Missing(t *testing.T) {
	granted := Scopes{"openid", "calendar.read"}

	if !granted.Contains([]string{"openid"}) {
		t.Error("Contains(openid) = false, want true")
	}
	if granted.Contains([]string{"calendar.freebusy"}) {
		t.Error("Contains(calendar.freebusy) = true, want false")
	}

	got := granted.Missing([]string{"calendar.freebusy", "openid", "calendar.freebusy"})
	if diff := cmp.Diff(Scopes{"calendar.freebusy"}, got); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}
}

func TestScopes_Union(t *testing.T) {
	got := Scopes{"a", "b"}.Union([]string{"b", "c", ""})
	if diff := cmp.Diff(Scopes{"a", "b", "c"}, got); diff != "" {
		t.Errorf("Union mismatch (-want +got):\n%s", diff)
	}

	got = Scopes(nil).Union([]string{"x"})
	if diff := cmp.Diff(Scopes{"x"}, got); diff != "" {
		t.Errorf("Union on nil mismatch (-want +got):\n%s", diff)
	}
}

func TestScopes_JSONAcceptsStringAndArray(t *testing.T) {
	var fromString struct {
		Scope Scopes `json:"scope"`
	}
	if err := json.Unmarshal([]byte(`{"scope":"read write"}`), &fromString); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	var fromArray struct {
		Scope Scopes `json:"scope"`
	}
	if err := json.Unmarshal([]byte(`{"scope":["read","write"]}`), &fromArray); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	if diff := cmp.Diff(fromString.Scope, fromArray.Scope); diff != "" {
		t.Errorf("string and array forms differ (-string +array):\n%s", diff)
	}

	data, err := json.Marshal(fromArray)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"scope":"read write"}` {
		t.Errorf("marshal = %s, want space-delimited string", data)
	}
}
