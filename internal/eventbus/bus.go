package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/go-threads/internal/threads"
)

const subscriberBuffer = 64

// Bus fans thread state changes out to live subscribers. It keeps no
// history; the event log is the durable record.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	dropped atomic.Int64
}

type subscriber struct {
	threads map[string]struct{}
	ch      chan Event
}

func NewBus() *Bus {
	return &Bus{subs: map[string]*subscriber{}}
}

// ThreadChanged publishes the change. Bus satisfies engine.Observer.
func (b *Bus) ThreadChanged(thread threads.Thread) {
	b.broadcast(Event{
		ID:           ulid.Make().String(),
		ThreadID:     thread.ID,
		AgentID:      thread.AgentID,
		State:        thread.State,
		Tick:         thread.Tick,
		ParentTaskID: thread.ParentTaskID,
		Error:        thread.Error,
		At:           thread.UpdatedAt,
	})
}

// Subscribe delivers changes of the given threads, or of every thread when
// threadIDs is empty, until ctx is cancelled. The channel is then closed.
func (b *Bus) Subscribe(ctx context.Context, threadIDs []string) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	set := map[string]struct{}{}
	for _, id := range threadIDs {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{threads: set, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.threads) > 0 {
			if _, ok := sub.threads[event.ThreadID]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
			b.dropped.Add(1)
		}
	}
}
