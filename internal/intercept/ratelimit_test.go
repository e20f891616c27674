package intercept

import (
	"net/netip"
	"testing"
	"time"

	"firestige.xyz/srte/internal/config"
)

func TestSourceLimiter_NilWhenDisabled(t *testing.T) {
	l := NewSourceLimiter(config.RateLimitConfig{MaxPerSource: 0})
	if l != nil {
		t.Fatal("expected nil when MaxPerSource = 0")
	}
	if !l.Allow(netip.MustParseAddr("2001:db8::1"), time.Now()) {
		t.Error("nil limiter must allow")
	}
	if l.Rejected() != 0 || l.ActiveSources() != 0 {
		t.Error("nil limiter must report zero counters")
	}
}

func TestSourceLimiter_RejectsOverLimit(t *testing.T) {
	l := NewSourceLimiter(config.RateLimitConfig{MaxPerSource: 3, Window: 10 * time.Second})
	src := netip.MustParseAddr("2001:db8::1")
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow(src, now) {
			t.Fatalf("offer %d should be allowed (within limit)", i)
		}
	}
	if l.Allow(src, now) {
		t.Error("4th offer should be rejected")
	}
	if l.Rejected() != 1 {
		t.Errorf("expected 1 rejected, got %d", l.Rejected())
	}
}

func TestSourceLimiter_SourcesIndependent(t *testing.T) {
	l := NewSourceLimiter(config.RateLimitConfig{MaxPerSource: 1, Window: 10 * time.Second})
	a := netip.MustParseAddr("2001:db8::1")
	b := netip.MustParseAddr("2001:db8::2")
	now := time.Now()

	l.Allow(a, now)
	if l.Allow(a, now) {
		t.Error("a's 2nd offer should be rejected")
	}
	if !l.Allow(b, now) {
		t.Error("b's 1st offer should be allowed")
	}
	if l.ActiveSources() != 2 {
		t.Errorf("expected 2 active sources, got %d", l.ActiveSources())
	}
}

func TestSourceLimiter_WindowRotation(t *testing.T) {
	l := NewSourceLimiter(config.RateLimitConfig{MaxPerSource: 1, Window: time.Second})
	src := netip.MustParseAddr("2001:db8::1")
	now := time.Now()

	l.Allow(src, now)
	if l.Allow(src, now.Add(500*time.Millisecond)) {
		t.Error("offer inside the window should be rejected")
	}
	if !l.Allow(src, now.Add(time.Second)) {
		t.Error("offer in a new window should be allowed")
	}
}
