package nodeerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_UnwrapsChain(t *testing.T) {
	t.Parallel()

	base := New(KindSessionExpired, "heartbeat", errors.New("token expired"))
	wrapped := fmt.Errorf("session loop: %w", base)

	if got := KindOf(wrapped); got != KindSessionExpired {
		t.Fatalf("kind=%v", got)
	}
	if IsFatal(wrapped) {
		t.Fatalf("session expiry must not be fatal")
	}
	if !Is(wrapped, KindSessionExpired) {
		t.Fatalf("Is mismatch")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("kind=%v", got)
	}
	if Is(nil, KindUnknown) {
		t.Fatalf("nil error should never match")
	}
}

func TestError_MessageIncludesStatus(t *testing.T) {
	t.Parallel()

	err := &Error{Kind: KindAuthFatal, Op: "login", Status: 401, Err: errors.New("Invalid credentials")}
	want := "login: auth_fatal (status 401): Invalid credentials"
	if got := err.Error(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if !IsFatal(err) {
		t.Fatalf("expected fatal")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), true},
		{New(KindTransient, "login", nil), true},
		{New(KindSessionExpired, "heartbeat", nil), true},
		{New(KindAuthFatal, "login", nil), false},
		{New(KindUpload, "report", nil), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}
