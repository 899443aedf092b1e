package platform

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	base := errors.New("x")
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain", base, KindTransient},
		{"rate", RateLimited("send", 12, base), KindRateLimited},
		{"wrapped_rate", fmt.Errorf("outer: %w", RateLimited("send", 1, nil)), KindRateLimited},
		{"unauth", Unauthorized("probe", base), KindUnauthorized},
		{"perm", PermissionDenied("forward", base), KindPermissionDenied},
		{"nil", nil, KindTransient},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: KindOf=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestRateLimitWait(t *testing.T) {
	d, ok := RateLimitWait(fmt.Errorf("wrap: %w", RateLimited("send", 30, nil)))
	if !ok || d != 30*time.Second {
		t.Fatalf("got %v %v", d, ok)
	}
	if _, ok := RateLimitWait(Transient("send", nil)); ok {
		t.Fatalf("transient error must not carry a wait")
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("root")
	if !errors.Is(PermissionDenied("forward", base), base) {
		t.Fatalf("expected errors.Is through *Error")
	}
}

func TestUserDisplay(t *testing.T) {
	if got := (User{Username: "ann"}).Display(); got != "@ann" {
		t.Fatalf("got %q", got)
	}
	if got := (User{FirstName: "Ann", LastName: "Lee"}).Display(); got != "Ann Lee" {
		t.Fatalf("got %q", got)
	}
}
