package credctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jonwraymond/toolguard/authz"
)

func TestEnter_RejectsNesting(t *testing.T) {
	ctx, scope, err := Enter(context.Background(), Values{Connection: "google-oauth2"})
	if err != nil {
		t.Fatalf("Enter() error: %v", err)
	}
	defer scope.Close()

	if _, _, err := Enter(ctx, Values{}); !errors.Is(err, authz.ErrNestedProtect) {
		t.Fatalf("nested Enter() error = %v, want ErrNestedProtect", err)
	}
	if !errors.Is(authz.ErrNestedProtect, authz.ErrConfiguration) {
		t.Error("ErrNestedProtect should be a configuration error")
	}
}

func TestEnter_AllowedAfterClose(t *testing.T) {
	ctx, scope, err := Enter(context.Background(), Values{})
	if err != nil {
		t.Fatalf("Enter() error: %v", err)
	}
	scope.Close()

	_, second, err := Enter(ctx, Values{})
	if err != nil {
		t.Fatalf("Enter() after Close error: %v", err)
	}
	second.Close()
}

func TestGet_OutsideScope(t *testing.T) {
	if _, err := Get(context.Background()); !errors.Is(err, authz.ErrNoActiveContext) {
		t.Errorf("Get() error = %v, want ErrNoActiveContext", err)
	}
	if err := Update(context.Background(), func(*Values) {}); !errors.Is(err, authz.ErrNoActiveContext) {
		t.Errorf("Update() error = %v, want ErrNoActiveContext", err)
	}
	if Active(context.Background()) {
		t.Error("Active() = true on empty context")
	}
}

func TestScope_ClosedDropsCredential(t *testing.T) {
	ctx, scope, err := Enter(context.Background(), Values{})
	if err != nil {
		t.Fatalf("Enter() error: %v", err)
	}
	if err := Update(ctx, func(v *Values) {
		v.Credential = &authz.Credential{AccessToken: "tok"}
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	tok, err := AccessToken(ctx)
	if err != nil || tok != "tok" {
		t.Fatalf("AccessToken() = %q, %v", tok, err)
	}

	scope.Close()
	scope.Close()

	if _, err := AccessToken(ctx); !errors.Is(err, authz.ErrNoActiveContext) {
		t.Errorf("AccessToken() after Close error = %v, want ErrNoActiveContext", err)
	}
}

func TestEnter_AssignsInvocationID(t *testing.T) {
	ctx, scope, err := Enter(context.Background(), Values{})
	if err != nil {
		t.Fatalf("Enter() error: %v", err)
	}
	defer scope.Close()

	v, err := Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if v.InvocationID == "" {
		t.Error("InvocationID not assigned")
	}
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	parent := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 32)

	for i := range 32 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("tok-%d", i)

			ctx, scope, err := Enter(parent, Values{})
			if err != nil {
				errs <- err
				return
			}
			defer scope.Close()

			_ = Update(ctx, func(v *Values) { v.Credential = &authz.Credential{AccessToken: want} })
			got, err := AccessToken(ctx)
			if err != nil {
				errs <- err
				return
			}
			if got != want {
				errs <- fmt.Errorf("invocation %d observed %q", i, got)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
