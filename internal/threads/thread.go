package threads

import (
	"time"

	"github.com/flitsinc/go-threads/internal/idgen"
)

type Thread struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	Model        string         `json:"model"`
	Context      map[string]any `json:"context,omitempty"`
	Tick         int64          `json:"tick"`
	State        State          `json:"state"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ThreadSpec describes a thread to create. An empty ID gets a generated one.
type ThreadSpec struct {
	ID           string         `json:"id,omitempty"`
	AgentID      string         `json:"agent_id"`
	Model        string         `json:"model,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
}

// Validate checks caller-supplied fields. Ids shaped like generated ones are
// accepted as is.
func (s ThreadSpec) Validate() error {
	if s.ID != "" && !idgen.IsGenerated(s.ID) {
		if err := idgen.ValidateCustomID(s.ID); err != nil {
			return &ValidationError{Field: "id", Reason: err.Error()}
		}
	}
	if s.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "is required"}
	}
	return nil
}

// ThreadPatch is a single-row update. Nil fields are left untouched. When
// FromState is set the update only applies if the stored state still equals
// it; otherwise the store returns a *StateTransitionError.
type ThreadPatch struct {
	State        *State
	FromState    *State
	Tick         *int64
	Model        *string
	Context      map[string]any
	ParentTaskID *string
	Error        *string
}

type ListFilter struct {
	AgentID string
	State   State
	Limit   int
}

func StatePtr(s State) *State { return &s }

func StringPtr(s string) *string { return &s }

func Int64Ptr(v int64) *int64 { return &v }
