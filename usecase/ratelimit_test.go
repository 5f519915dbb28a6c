package usecase

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestRateLimiterBurstThenReject(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("alice") {
			t.Fatalf("request %d rejected within burst", i+1)
		}
	}
	if limiter.Allow("alice") {
		t.Error("request beyond burst allowed")
	}
}

func TestRateLimiterIsPerUser(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(1, time.Minute, clock)

	if !limiter.Allow("alice") {
		t.Fatal("alice's first request rejected")
	}
	if limiter.Allow("alice") {
		t.Error("alice's second request allowed")
	}
	if !limiter.Allow("bob") {
		t.Error("bob throttled by alice's usage")
	}
}

func TestRateLimiterReplenishesOverWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(2, time.Minute, clock)

	limiter.Allow("alice")
	limiter.Allow("alice")
	if limiter.Allow("alice") {
		t.Fatal("burst not exhausted")
	}

	// Half a window restores one token.
	clock.Advance(30 * time.Second)
	if !limiter.Allow("alice") {
		t.Error("token not replenished after half window")
	}
	if limiter.Allow("alice") {
		t.Error("more than one token replenished")
	}
}
