package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenDeny(t *testing.T) {
	l := NewLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if l.Allow() {
		t.Fatal("request beyond burst allowed")
	}
}

func TestTokensRefill(t *testing.T) {
	l := NewLimiter(100, 1)

	if !l.Allow() {
		t.Fatal("first request denied")
	}
	if l.Allow() {
		t.Fatal("empty bucket allowed")
	}

	time.Sleep(50 * time.Millisecond)
	if !l.Allow() {
		t.Fatal("bucket did not refill")
	}
}
