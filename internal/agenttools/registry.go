package agenttools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/go-threads/internal/ai"
)

// Executor is what the engine needs from tools.
type Executor interface {
	Specs() []ai.ToolSpec
	Execute(ctx context.Context, call Call) (Result, error)
}

// Registry dispatches calls by tool name. Specs keep registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.Add(tools...)
	return r
}

// Builtins returns a registry with noop and wait.
func Builtins(maxWait time.Duration) *Registry {
	return NewRegistry(NoopTool(), WaitTool(maxWait))
}

func (r *Registry) Add(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tool := range tools {
		name := tool.Spec().Name
		if _, exists := r.tools[name]; !exists {
			r.order = append(r.order, name)
		}
		r.tools[name] = tool
	}
}

func (r *Registry) Specs() []ai.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ai.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Spec())
	}
	return out
}

func (r *Registry) Execute(ctx context.Context, call Call) (Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, &ToolError{Tool: call.Name, Err: fmt.Errorf("unknown tool")}
	}
	res, err := tool.Run(ctx, call)
	if err != nil {
		if toolErr, ok := AsToolError(err); ok && toolErr.Tool == "" {
			toolErr.Tool = call.Name
		}
		return Result{}, err
	}
	return res, nil
}
