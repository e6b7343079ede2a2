package ai

import (
	"context"
	"encoding/json"
)

type ItemKind string

const (
	ItemText       ItemKind = "text"
	ItemToolCall   ItemKind = "tool-call"
	ItemToolResult ItemKind = "tool-result"
	ItemReasoning  ItemKind = "reasoning"
)

// Item is one entry of the conversation sent to a model.
type Item struct {
	Kind      ItemKind        `json:"kind"`
	Role      string          `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type Request struct {
	Model string     `json:"model"`
	Items []Item     `json:"items"`
	Tools []ToolSpec `json:"tools,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	Reasoning string     `json:"reasoning,omitempty"`
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Delta is an incremental piece of a streamed response.
type Delta struct {
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// StreamingModel reports deltas while generating. The returned Response is
// the complete result, identical to what Generate would return.
type StreamingModel interface {
	Model
	GenerateStream(ctx context.Context, req Request, onDelta func(Delta)) (Response, error)
}

// Func adapts a plain function to Model.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// LastUserText returns the text of the most recent user item.
func LastUserText(items []Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == ItemText && items[i].Role == "user" {
			return items[i].Text
		}
	}
	return ""
}
