package eventbus

import (
	"time"

	"github.com/flitsinc/go-threads/internal/threads"
)

// Event reports one persisted thread state change.
type Event struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"thread_id"`
	AgentID      string        `json:"agent_id,omitempty"`
	State        threads.State `json:"state"`
	Tick         int64         `json:"tick"`
	ParentTaskID string        `json:"parent_task_id,omitempty"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
}
