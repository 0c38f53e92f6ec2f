package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(WithCapacity(2), WithHistoryCapacity(2))
	for i, typ := range []string{"first", "second", "third"} {
		q.Notify(Event{Type: typ, UserID: uuid.New(), CreatedAt: time.Unix(int64(i), 0)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		evt, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatalf("dequeue %d timed out", i)
		}
		got = append(got, evt.Type)
	}
	if got[0] != "second" || got[1] != "third" {
		t.Fatalf("dequeued %v, want oldest dropped", got)
	}
}

func TestQueueTTLExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue(WithTTL(time.Minute), withClock(func() time.Time { return now }))
	q.Notify(Event{Type: "stale", UserID: uuid.New()})
	now = now.Add(2 * time.Minute)
	q.Notify(Event{Type: "fresh", UserID: uuid.New()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, ok := q.Dequeue(ctx)
	if !ok {
		t.Fatal("dequeue timed out")
	}
	if evt.Type != "fresh" {
		t.Fatalf("dequeued %q, expired event should have been dropped", evt.Type)
	}
}

func TestQueueDequeueCancellation(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("dequeue on an empty queue should report cancellation")
	}
}

func TestQueueHistorySnapshot(t *testing.T) {
	q := NewQueue()
	user := uuid.New()
	q.Notify(Event{Type: "submission.approved", UserID: user, Link: "/submissions/1"})
	q.Notify(Event{Type: "dispute.resolved", UserID: user, Link: "/disputes/1"})

	events := q.Events()
	if len(events) != 2 {
		t.Fatalf("history has %d events, want 2", len(events))
	}
	if events[0].Type != "submission.approved" || events[1].Type != "dispute.resolved" {
		t.Fatalf("history out of order: %v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("enqueue must stamp CreatedAt")
	}
}
