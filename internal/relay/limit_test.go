package relay

import (
	"context"
	"testing"
)

func TestSessionSemaphore_Unlimited(t *testing.T) {
	sem := newSessionSemaphore(0)
	// Should always succeed with no limit.
	for range 100 {
		if !sem.tryAcquire(context.Background()) {
			t.Fatal("unlimited semaphore should always acquire")
		}
	}
	// Release should not panic on nil channel.
	sem.release()
}

func TestSessionSemaphore_Limited(t *testing.T) {
	sem := newSessionSemaphore(2)
	ctx := context.Background()

	if !sem.tryAcquire(ctx) {
		t.Fatal("first acquire should succeed")
	}
	if !sem.tryAcquire(ctx) {
		t.Fatal("second acquire should succeed")
	}
	// Third should fail (non-blocking).
	if sem.tryAcquire(ctx) {
		t.Fatal("third acquire should fail at capacity")
	}
	// Release one and retry.
	sem.release()
	if !sem.tryAcquire(ctx) {
		t.Fatal("acquire after release should succeed")
	}
}

func TestSessionSemaphore_ContextCancel(t *testing.T) {
	sem := newSessionSemaphore(1)
	sem.tryAcquire(context.Background()) // fill it

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sem.tryAcquire(ctx) {
		t.Fatal("acquire with cancelled context should fail")
	}
}
