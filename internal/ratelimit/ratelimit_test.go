package ratelimit

import "testing"

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, 10, 0)
	ip := "10.0.0.1"
	for i := 0; i < 3; i++ {
		if !l.Allow(ip) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow(ip) {
		t.Fatalf("4th request within the window should be rejected")
	}
}

func TestAuthFailureBlocksIP(t *testing.T) {
	l := New(100, 2, 0)
	ip := "10.0.0.2"
	if l.AddAuthFailure(ip) {
		t.Fatalf("first failure should not trip the block")
	}
	if !l.AddAuthFailure(ip) {
		t.Fatalf("second failure should trip the block")
	}
	if l.Allow(ip) {
		t.Fatalf("blocked ip should not be allowed")
	}
}

func TestClearAuthFailuresUnblocksWindow(t *testing.T) {
	l := New(100, 5, 0)
	ip := "10.0.0.3"
	l.AddAuthFailure(ip)
	l.AddAuthFailure(ip)
	l.ClearAuthFailures(ip)
	if !l.Allow(ip) {
		t.Fatalf("expected ip to remain allowed after clearing auth failures")
	}
}

func TestPruneEvictsOldestOverCap(t *testing.T) {
	l := NewWithBounds(100, 100, 0, 2, 0, 1)
	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	l.Allow("10.0.0.3")
	if len(l.entries) > 2 {
		t.Fatalf("expected prune to cap entries at 2, got %d", len(l.entries))
	}
}

func TestClientIP(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:5432": "10.0.0.1",
		"[::1]:8080":    "::1",
		"10.0.0.5":      "10.0.0.5",
	}
	for in, want := range cases {
		if got := ClientIP(in); got != want {
			t.Fatalf("ClientIP(%q) = %q, want %q", in, got, want)
		}
	}
}
