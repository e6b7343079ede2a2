package agenttools

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

type WaitParams struct {
	Seconds float64 `json:"seconds"`
	Reason  string  `json:"reason,omitempty"`
}

var waitSchema = json.RawMessage(`{"type":"object","properties":{"seconds":{"type":"number","description":"How long to sleep before the thread resumes"},"reason":{"type":"string","description":"What the thread is waiting for"}},"required":["seconds"]}`)

// WaitTool suspends the thread for the requested number of seconds. A zero
// maxWait disables the upper bound.
func WaitTool(maxWait time.Duration) Tool {
	return Func(
		"wait",
		"Pause this thread and resume it after the given number of seconds",
		waitSchema,
		func(_ context.Context, _ Call, p WaitParams) (Result, error) {
			if p.Seconds < 0 {
				return Result{}, Errorf("seconds must not be negative")
			}
			after := time.Duration(p.Seconds * float64(time.Second))
			if maxWait > 0 && after > maxWait {
				return Result{}, Errorf("seconds must be at most %d", int(maxWait.Seconds()))
			}
			reason := strings.TrimSpace(p.Reason)
			res, err := Success(map[string]any{
				"status":  "sleeping",
				"seconds": p.Seconds,
				"reason":  reason,
			})
			if err != nil {
				return Result{}, err
			}
			res.Suspend = &Suspend{After: after, Reason: reason}
			return res, nil
		},
	)
}
