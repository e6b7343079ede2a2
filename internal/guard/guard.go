// Package guard enforces at most one active execution per thread inside a
// process. It does not coordinate across processes.
package guard

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/flitsinc/go-threads/internal/threads"
)

type Guard struct {
	active sync.Map // thread id -> *Lease
	count  atomic.Int64
}

func New() *Guard {
	return &Guard{}
}

// Lease is held by the single execution of a thread.
type Lease struct {
	guard    *Guard
	threadID string
	cancel   context.CancelFunc
	once     sync.Once
}

// Acquire claims the thread or fails immediately with a
// *threads.ConcurrencyError.
func (g *Guard) Acquire(threadID string) (*Lease, error) {
	_, lease, err := g.AcquireContext(context.Background(), threadID)
	return lease, err
}

// AcquireContext is Acquire plus a context derived from ctx that Cancel on
// this thread (or Release) cancels.
func (g *Guard) AcquireContext(ctx context.Context, threadID string) (context.Context, *Lease, error) {
	ctx, cancel := context.WithCancel(ctx)
	lease := &Lease{guard: g, threadID: threadID, cancel: cancel}
	if _, loaded := g.active.LoadOrStore(threadID, lease); loaded {
		cancel()
		return nil, nil, &threads.ConcurrencyError{ThreadID: threadID}
	}
	g.count.Add(1)
	return ctx, lease, nil
}

func (l *Lease) ThreadID() string {
	return l.threadID
}

// Release is idempotent. A released lease never removes a newer lease for
// the same thread.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.cancel()
		if l.guard.active.CompareAndDelete(l.threadID, l) {
			l.guard.count.Add(-1)
		}
	})
}

// Release drops whatever lease is held for threadID.
func (g *Guard) Release(threadID string) {
	if v, ok := g.active.Load(threadID); ok {
		v.(*Lease).Release()
	}
}

func (g *Guard) Active(threadID string) bool {
	_, ok := g.active.Load(threadID)
	return ok
}

// Cancel interrupts the active execution at its next suspension point. It
// reports whether an execution was active.
func (g *Guard) Cancel(threadID string) bool {
	v, ok := g.active.Load(threadID)
	if !ok {
		return false
	}
	v.(*Lease).cancel()
	return true
}

// Len returns the number of threads currently executing.
func (g *Guard) Len() int {
	return int(g.count.Load())
}

// ActiveIDs lists the threads currently executing, in no particular order.
func (g *Guard) ActiveIDs() []string {
	var out []string
	g.active.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}
