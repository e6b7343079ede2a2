package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/go-threads/internal/threads"
)

var ErrWakeupInFlight = errors.New("wakeup is being resumed")

// Rearm makes a wakeup claimable again at dueAt. Wakeups that are claimed and
// still within their lease are refused; everything else (failed, woken,
// cancelled, or an expired claim) may be re-armed by an operator.
func Rearm(ctx context.Context, store threads.WakeupStore, id string, dueAt time.Time, now time.Time) (threads.Wakeup, error) {
	w, err := store.GetWakeup(ctx, id)
	if err != nil {
		return threads.Wakeup{}, err
	}
	if w.Status() == threads.WakeupClaimed && (w.LeaseUntil == nil || w.LeaseUntil.After(now)) {
		return threads.Wakeup{}, fmt.Errorf("rearm wakeup %s: %w", id, ErrWakeupInFlight)
	}
	rearmed, err := store.RearmWakeup(ctx, id, dueAt)
	if err != nil {
		return threads.Wakeup{}, fmt.Errorf("rearm wakeup %s: %w", id, err)
	}
	return rearmed, nil
}
