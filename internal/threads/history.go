package threads

import "fmt"

// History is the in-memory state of a thread folded from its event log. The
// engine builds it the same way whether it starts cold from storage or keeps
// it warm between runs: every event goes through Fold.
type History struct {
	ThreadID      string     `json:"thread_id"`
	Events        []Event    `json:"events"`
	LastSeq       int64      `json:"last_seq"`
	Turns         int        `json:"turns"`
	PendingCalls  []ToolCall `json:"pending_calls,omitempty"`
	LastAssistant string     `json:"last_assistant,omitempty"`
	LastSignal    string     `json:"last_signal,omitempty"`
}

func NewHistory(threadID string) *History {
	return &History{ThreadID: threadID}
}

// FoldAll reconstructs a History from events read back in seq order.
func FoldAll(threadID string, events []Event) (*History, error) {
	h := NewHistory(threadID)
	for _, evt := range events {
		if err := h.Fold(evt); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Fold applies one event. It rejects events that belong to another thread or
// that do not advance seq.
func (h *History) Fold(evt Event) error {
	if evt.ThreadID != h.ThreadID {
		return fmt.Errorf("fold event %s: thread %s does not match %s", evt.ID, evt.ThreadID, h.ThreadID)
	}
	if evt.Seq <= h.LastSeq {
		return fmt.Errorf("fold event %s: seq %d does not advance past %d", evt.ID, evt.Seq, h.LastSeq)
	}

	switch p := evt.Payload.(type) {
	case Message:
		switch p.Role {
		case RoleUser:
			h.Turns++
		case RoleAssistant:
			h.LastAssistant = p.Text
		}
	case ToolCall:
		h.PendingCalls = append(h.PendingCalls, p)
	case ToolResult:
		h.PendingCalls = removeCall(h.PendingCalls, p.CallID)
	case Reasoning:
	case nil:
		if evt.Kind != KindSystem {
			return fmt.Errorf("fold event %s: %s event without payload", evt.ID, evt.Kind)
		}
		h.LastSignal = evt.Signal()
	default:
		return fmt.Errorf("fold event %s: unexpected payload %T", evt.ID, p)
	}

	h.Events = append(h.Events, evt)
	h.LastSeq = evt.Seq
	return nil
}

// FoldBatch applies events in order and stops at the first rejection.
func (h *History) FoldBatch(events []Event) error {
	for _, evt := range events {
		if err := h.Fold(evt); err != nil {
			return err
		}
	}
	return nil
}

// ModelEvents returns the events a model is allowed to see.
func (h *History) ModelEvents() []Event {
	out := make([]Event, 0, len(h.Events))
	for _, evt := range h.Events {
		if evt.Kind == KindSystem {
			continue
		}
		out = append(out, evt)
	}
	return out
}

func (h *History) Clone() *History {
	if h == nil {
		return nil
	}
	out := *h
	out.Events = append([]Event(nil), h.Events...)
	out.PendingCalls = append([]ToolCall(nil), h.PendingCalls...)
	return &out
}

func removeCall(calls []ToolCall, callID string) []ToolCall {
	for i, call := range calls {
		if call.CallID == callID {
			out := append([]ToolCall(nil), calls[:i]...)
			out = append(out, calls[i+1:]...)
			if len(out) == 0 {
				return nil
			}
			return out
		}
	}
	return calls
}
