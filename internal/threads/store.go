package threads

import (
	"context"
	"time"
)

type ThreadStore interface {
	CreateThread(ctx context.Context, spec ThreadSpec) (Thread, error)
	GetThread(ctx context.Context, id string) (Thread, error)
	// GetThreadWithHistory returns the thread and its full event list in seq order.
	GetThreadWithHistory(ctx context.Context, id string) (Thread, []Event, error)
	ListThreads(ctx context.Context, filter ListFilter) ([]Thread, error)
	UpdateThread(ctx context.Context, id string, patch ThreadPatch) (Thread, error)
	// DeleteThread removes the thread, its events and its wakeups.
	DeleteThread(ctx context.Context, id string) error
}

type EventLog interface {
	// AppendEvents writes a batch atomically; seq values are assigned in input
	// order, strictly after every seq already stored for the thread.
	AppendEvents(ctx context.Context, threadID string, inputs []EventInput) ([]Event, error)
	// ListEventsFrom returns events with seq > afterSeq in ascending order.
	// limit <= 0 means no limit.
	ListEventsFrom(ctx context.Context, threadID string, afterSeq int64, limit int) ([]Event, error)
}

type WakeupStore interface {
	CreateWakeup(ctx context.Context, spec WakeupSpec) (Wakeup, error)
	// ClaimDueWakeups atomically claims up to limit wakeups due at now. Two
	// concurrent callers never receive the same wakeup.
	ClaimDueWakeups(ctx context.Context, now time.Time, limit int, opts ClaimOptions) ([]Wakeup, error)
	UpdateWakeup(ctx context.Context, id string, patch WakeupPatch) (Wakeup, error)
	// CancelWakeupsForThread cancels every unclaimed wakeup of the thread that
	// has no outcome yet and returns how many were cancelled. Claimed wakeups
	// belong to the scheduler that holds them.
	CancelWakeupsForThread(ctx context.Context, threadID string) (int, error)
	GetWakeup(ctx context.Context, id string) (Wakeup, error)
	ListWakeups(ctx context.Context, filter WakeupFilter) ([]Wakeup, error)
	// RearmWakeup clears claim and outcome so the wakeup becomes due at dueAt.
	RearmWakeup(ctx context.Context, id string, dueAt time.Time) (Wakeup, error)
	// DeferWakeup releases a claim without spending it: the attempt counted
	// by the claim is given back and the wakeup becomes due at dueAt.
	DeferWakeup(ctx context.Context, id string, dueAt time.Time) (Wakeup, error)
}

// Store is implemented by every storage backend.
type Store interface {
	ThreadStore
	EventLog
	WakeupStore
	Close() error
}
