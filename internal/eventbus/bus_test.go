package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/go-threads/internal/threads"
)

func TestBusFiltersByThread(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	only := bus.Subscribe(ctx, []string{"t-1"})
	all := bus.Subscribe(ctx, nil)

	bus.ThreadChanged(threads.Thread{ID: "t-2", State: threads.StateRunning})
	bus.ThreadChanged(threads.Thread{ID: "t-1", State: threads.StateZombie, Tick: 3})

	select {
	case ev := <-only:
		if ev.ThreadID != "t-1" || ev.State != threads.StateZombie || ev.Tick != 3 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for filtered event")
	}
	if len(only) != 0 {
		t.Fatalf("filtered subscriber received other threads")
	}
	if len(all) != 2 {
		t.Fatalf("expected both events on unfiltered subscription, got %d", len(all))
	}
}

func TestBusSubscribeLifecycle(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Subscribe(ctx, []string{"t-1"})
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for close")
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers")
	}
}

func TestBusDropsForSlowSubscribers(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = bus.Subscribe(ctx, nil)
	for i := 0; i < subscriberBuffer+5; i++ {
		bus.ThreadChanged(threads.Thread{ID: "t-1", State: threads.StateRunning})
	}
	if got := bus.Dropped(); got != 5 {
		t.Fatalf("expected 5 dropped events, got %d", got)
	}
}
