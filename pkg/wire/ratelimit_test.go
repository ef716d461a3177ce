// Copyright 2025 Certen Protocol

package wire

import (
	"testing"
	"time"
)

func TestRateLimiter_BlocksAfterMaxAttempts(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttempts: 5, Window: time.Minute, BlockDuration: 5 * time.Minute})
	defer rl.Close()

	addr := "203.0.113.1:5555"
	for i := 0; i < 4; i++ {
		rl.RecordFailure(addr)
		if rl.Blocked(addr) {
			t.Fatalf("should not be blocked after %d failures", i+1)
		}
	}
	rl.RecordFailure(addr)
	if !rl.Blocked(addr) {
		t.Fatal("expected block at the 5th failure")
	}
}

func TestRateLimiter_ResetClearsBucket(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttempts: 2, Window: time.Minute, BlockDuration: time.Minute})
	defer rl.Close()

	addr := "203.0.113.2:5555"
	rl.RecordFailure(addr)
	rl.RecordFailure(addr)
	if !rl.Blocked(addr) {
		t.Fatal("expected block after 2 failures")
	}
	rl.Reset(addr)
	if rl.Blocked(addr) {
		t.Fatal("expected reset to clear the block")
	}
}

func TestRateLimiter_UnknownAddressNotBlocked(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxAttempts: 5, Window: time.Minute, BlockDuration: time.Minute})
	defer rl.Close()

	if rl.Blocked("198.51.100.9:1") {
		t.Fatal("an address with no recorded failures must never be blocked")
	}
}
