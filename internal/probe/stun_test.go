package probe

import (
	"context"
	"testing"
	"time"
)

func TestClassifyNAT(t *testing.T) {
	t.Parallel()

	if got := ClassifyNAT([]string{"1.2.3.4:1"}); got != NATTypeUnknown {
		t.Fatalf("got=%q", got)
	}
	if got := ClassifyNAT([]string{"1.2.3.4:1", "1.2.3.4:1"}); got != NATTypeConeOrRestricted {
		t.Fatalf("got=%q", got)
	}
	if got := ClassifyNAT([]string{"1.2.3.4:1", "1.2.3.4:2"}); got != NATTypeSymmetric {
		t.Fatalf("got=%q", got)
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"39.119.108.243:33134": "39.119.108.243",
		"[2001:db8::1]:3478":   "2001:db8::1",
		"2001:db8::1:51820":    "2001:db8::1",
		"203.0.113.9":          "203.0.113.9",
		"  ":                   "",
	}
	for in, want := range cases {
		if got := HostOf(in); got != want {
			t.Fatalf("HostOf(%q)=%q want %q", in, got, want)
		}
	}
}

func TestPublicAddress_NoServers(t *testing.T) {
	t.Parallel()

	m, err := PublicAddress(context.Background(), nil, time.Second)
	if err == nil {
		t.Fatalf("expected error")
	}
	if m.NATType != NATTypeUnknown {
		t.Fatalf("nat=%q", m.NATType)
	}
}

func TestAddressTracker_CachesAndKeepsLastOnFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	tr := NewAddressTracker([]string{"stun.invalid:3478"}, time.Second)
	tr.MinInterval = 0
	tr.lookup = func(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error) {
		calls++
		if calls > 1 {
			return Mapping{}, context.DeadlineExceeded
		}
		return Mapping{Host: "198.51.100.4", Mapped: "198.51.100.4:40000", NATType: NATTypeUnknown}, nil
	}

	if tr.Current() != "" {
		t.Fatalf("expected empty before refresh")
	}
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := tr.Current(); got != "198.51.100.4" {
		t.Fatalf("current=%q", got)
	}
	if err := tr.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error on second lookup")
	}
	if got := tr.Current(); got != "198.51.100.4" {
		t.Fatalf("current after failure=%q", got)
	}

	tr.MinInterval = time.Hour
	tr.checked = time.Now()
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("cached refresh: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
}
