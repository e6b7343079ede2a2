package agenttools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/go-threads/internal/ai"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ThreadID  string          `json:"thread_id"`
}

// Result is what the model sees. A non-nil Suspend asks the engine to put
// the thread to sleep after recording the result.
type Result struct {
	Output  string   `json:"output"`
	Suspend *Suspend `json:"suspend,omitempty"`
}

// Suspend requests a wakeup After a duration or At an absolute time.
type Suspend struct {
	After  time.Duration `json:"after,omitempty"`
	At     time.Time     `json:"at,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// ToolError is the typed failure of a tool. The engine turns it into an
// error tool-result instead of failing the run.
type ToolError struct {
	Tool  string
	Label string
	Err   error
}

func (e *ToolError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Label, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func Errorf(format string, args ...any) error {
	return &ToolError{Err: fmt.Errorf(format, args...)}
}

func ErrorWithLabel(label string, err error) error {
	return &ToolError{Label: label, Err: err}
}

func AsToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// Success encodes v as the JSON output of a tool.
func Success(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("encode tool output: %w", err)
	}
	return Result{Output: string(data)}, nil
}

type Tool interface {
	Spec() ai.ToolSpec
	Run(ctx context.Context, call Call) (Result, error)
}

type funcTool[P any] struct {
	spec ai.ToolSpec
	fn   func(ctx context.Context, call Call, params P) (Result, error)
}

// Func builds a Tool whose arguments are decoded strictly into P.
func Func[P any](name, description string, parameters json.RawMessage, fn func(ctx context.Context, call Call, params P) (Result, error)) Tool {
	return &funcTool[P]{
		spec: ai.ToolSpec{Name: name, Description: description, Parameters: parameters},
		fn:   fn,
	}
}

func (t *funcTool[P]) Spec() ai.ToolSpec {
	return t.spec
}

func (t *funcTool[P]) Run(ctx context.Context, call Call) (Result, error) {
	var params P
	args := bytes.TrimSpace(call.Arguments)
	if len(args) > 0 && !bytes.Equal(args, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(args))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&params); err != nil {
			return Result{}, &ToolError{Tool: t.spec.Name, Label: "invalid arguments", Err: err}
		}
	}
	return t.fn(ctx, call, params)
}
