package batcher

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newClockedBatcher(max int) (*Batcher, *time.Time) {
	b := New(Config{MaxEventsPerMinute: max}, nil, nil, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestAllowRate_noBurstAcrossWindowBoundary(t *testing.T) {
	b, now := newClockedBatcher(60)

	// Fill the allowance just before the minute mark.
	*now = now.Add(59 * time.Second)
	for i := 0; i < 60; i++ {
		if !b.allowRate("agent-1") {
			t.Fatalf("event %d rejected while under the limit", i)
		}
	}

	// Two seconds later every admitted event is still inside the
	// rolling minute, so a fresh burst must be rejected.
	*now = now.Add(2 * time.Second)
	if b.allowRate("agent-1") {
		t.Fatal("event admitted right after the old window would have reset")
	}

	// Capacity returns only once the earlier events age out.
	*now = now.Add(60 * time.Second)
	if !b.allowRate("agent-1") {
		t.Fatal("event rejected after the window emptied")
	}
}

func TestAllowRate_eventExpiresAtExactlySixtySeconds(t *testing.T) {
	b, now := newClockedBatcher(1)

	if !b.allowRate("agent-1") {
		t.Fatal("first event rejected")
	}
	*now = now.Add(60*time.Second - time.Millisecond)
	if b.allowRate("agent-1") {
		t.Fatal("event admitted while the previous one was still in the window")
	}
	*now = now.Add(time.Millisecond)
	if !b.allowRate("agent-1") {
		t.Fatal("event rejected after the previous one expired")
	}
}

func TestAllowRate_entitiesIndependent(t *testing.T) {
	b, _ := newClockedBatcher(1)

	if !b.allowRate("agent-1") {
		t.Fatal("first entity rejected")
	}
	if b.allowRate("agent-1") {
		t.Fatal("second event for the same entity admitted")
	}
	if !b.allowRate("agent-2") {
		t.Fatal("unrelated entity rejected")
	}
}
