package threads

import "time"

// Wakeup is a durable promise to resume a thread at or after DueAt.
type Wakeup struct {
	ID         string        `json:"id"`
	ThreadID   string        `json:"thread_id"`
	Wait       time.Duration `json:"wait"`
	DueAt      time.Time     `json:"due_at"`
	Reason     string        `json:"reason,omitempty"`
	ClaimedAt  *time.Time    `json:"claimed_at,omitempty"`
	ClaimedBy  string        `json:"claimed_by,omitempty"`
	LeaseUntil *time.Time    `json:"lease_until,omitempty"`
	Attempts   int           `json:"attempts"`
	Woken      bool          `json:"woken"`
	Error      *string       `json:"error,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type WakeupStatus string

const (
	WakeupPending   WakeupStatus = "pending"
	WakeupClaimed   WakeupStatus = "claimed"
	WakeupWoken     WakeupStatus = "woken"
	WakeupFailed    WakeupStatus = "failed"
	WakeupCancelled WakeupStatus = "cancelled"
)

func (w Wakeup) Status() WakeupStatus {
	switch {
	case w.Cancelled:
		return WakeupCancelled
	case w.Woken:
		return WakeupWoken
	case w.Error != nil:
		return WakeupFailed
	case w.ClaimedAt != nil:
		return WakeupClaimed
	default:
		return WakeupPending
	}
}

// WakeupSpec asks for a resumption either After a duration from now or At an
// absolute time. At wins when both are set.
type WakeupSpec struct {
	ThreadID string
	After    time.Duration
	At       time.Time
	Reason   string
}

// DueAt resolves the absolute due time relative to now.
func (s WakeupSpec) DueAt(now time.Time) time.Time {
	if !s.At.IsZero() {
		return s.At.UTC()
	}
	if s.After < 0 {
		return now.UTC()
	}
	return now.Add(s.After).UTC()
}

// WakeupPatch records the outcome of a claimed wakeup.
type WakeupPatch struct {
	Woken *bool
	Error *string
}

type WakeupFilter struct {
	ThreadID string
	Status   WakeupStatus
	Limit    int
}

// ClaimOptions tune ClaimDueWakeups. A zero LeaseTTL makes claims permanent.
type ClaimOptions struct {
	Claimer  string
	LeaseTTL time.Duration
}

func BoolPtr(v bool) *bool { return &v }
