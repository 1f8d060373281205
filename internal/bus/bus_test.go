package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()

	events := []Event{
		Heartbeat{},
		HumanInput{ID: "a", Text: "A"},
		HumanInput{ID: "b", Text: "B"},
	}
	for _, ev := range events {
		if err := q.Push(ctx, ev); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 pending, got %d", q.Len())
	}

	want := []string{"heartbeat", "a", "b"}
	for i, w := range want {
		ev, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		got := ev.EventName()
		if in, ok := ev.(HumanInput); ok {
			got = in.ID
		}
		if got != w {
			t.Fatalf("pop %d: expected %s, got %s", i, w, got)
		}
	}
}

func TestPushStampsTime(t *testing.T) {
	q := NewQueue(1)
	if err := q.Push(context.Background(), HumanInput{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	ev, _ := q.Pop(context.Background())
	if ev.(HumanInput).ReceivedAt.IsZero() {
		t.Fatal("expected ReceivedAt to be set")
	}
}

func TestPopHonoursContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPushBlocksWhenFull(t *testing.T) {
	q := NewQueue(1)
	if err := q.Push(context.Background(), Heartbeat{}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, Heartbeat{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full queue, got %v", err)
	}
}

func TestClose(t *testing.T) {
	q := NewQueue(2)
	_ = q.Push(context.Background(), Heartbeat{})
	q.Close()
	q.Close()

	if err := q.Push(context.Background(), Heartbeat{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := q.Pop(context.Background()); err != nil {
		t.Fatalf("pending event should still pop: %v", err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed once drained, got %v", err)
	}
}
