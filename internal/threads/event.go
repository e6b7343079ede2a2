package threads

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventKind string

const (
	KindMessage    EventKind = "message"
	KindToolCall   EventKind = "tool-call"
	KindToolResult EventKind = "tool-result"
	KindReasoning  EventKind = "reasoning"
	KindSystem     EventKind = "system"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Metadata keys and signal values carried by system events.
const (
	MetaSignal   = "signal"
	MetaWakeupID = "wakeup_id"
	MetaReason   = "reason"
	MetaError    = "error"
	MetaTick     = "tick"

	SignalSuspended  = "suspended"
	SignalResumed    = "resumed"
	SignalStopped    = "stopped"
	SignalContinued  = "continued"
	SignalAborted    = "aborted"
	SignalFailed     = "failed"
	SignalModelError = "model_error"
)

// Payload is the closed set of kind-specific event bodies. System events have
// no payload.
type Payload interface {
	Kind() EventKind
}

type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

type Reasoning struct {
	Text string `json:"text"`
}

func (Message) Kind() EventKind    { return KindMessage }
func (ToolCall) Kind() EventKind   { return KindToolCall }
func (ToolResult) Kind() EventKind { return KindToolResult }
func (Reasoning) Kind() EventKind  { return KindReasoning }

// Event is one immutable entry of a thread's log.
type Event struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Seq       int64          `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Payload   Payload        `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventInput is an event before the log assigns its id, seq and timestamp.
type EventInput struct {
	Payload  Payload
	Metadata map[string]any
}

func (in EventInput) Kind() EventKind {
	if in.Payload == nil {
		return KindSystem
	}
	return in.Payload.Kind()
}

// SystemInput builds a payload-less event recording a runtime transition.
func SystemInput(signal string, metadata map[string]any) EventInput {
	meta := map[string]any{MetaSignal: signal}
	for k, v := range metadata {
		if v == nil {
			continue
		}
		meta[k] = v
	}
	return EventInput{Metadata: meta}
}

// Signal returns the transition recorded by a system event.
func (e Event) Signal() string {
	if e.Kind != KindSystem || e.Metadata == nil {
		return ""
	}
	v, _ := e.Metadata[MetaSignal].(string)
	return v
}

func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

func DecodePayload(kind EventKind, data []byte) (Payload, error) {
	switch kind {
	case KindSystem:
		return nil, nil
	case KindMessage:
		var p Message
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return p, nil
	case KindToolCall:
		var p ToolCall
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode tool-call payload: %w", err)
		}
		return p, nil
	case KindToolResult:
		var p ToolResult
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode tool-result payload: %w", err)
		}
		return p, nil
	case KindReasoning:
		var p Reasoning
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode reasoning payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		ThreadID  string          `json:"thread_id"`
		Seq       int64           `json:"seq"`
		Kind      EventKind       `json:"kind"`
		Payload   json.RawMessage `json:"payload"`
		Metadata  map[string]any  `json:"metadata"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var payload Payload
	if raw.Kind != KindSystem && len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		p, err := DecodePayload(raw.Kind, raw.Payload)
		if err != nil {
			return err
		}
		payload = p
	}
	*e = Event{
		ID:        raw.ID,
		ThreadID:  raw.ThreadID,
		Seq:       raw.Seq,
		Kind:      raw.Kind,
		Payload:   payload,
		Metadata:  raw.Metadata,
		CreatedAt: raw.CreatedAt,
	}
	return nil
}
