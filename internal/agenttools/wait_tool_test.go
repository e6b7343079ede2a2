package agenttools

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWaitToolRequestsSuspend(t *testing.T) {
	reg := Builtins(time.Hour)
	result, err := reg.Execute(context.Background(), Call{
		ID:        "c1",
		Name:      "wait",
		Arguments: json.RawMessage(`{"seconds": 1.5, "reason": " build to finish "}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Suspend == nil {
		t.Fatalf("expected suspend request")
	}
	if result.Suspend.After != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s wait, got %s", result.Suspend.After)
	}
	if result.Suspend.Reason != "build to finish" {
		t.Fatalf("expected trimmed reason, got %q", result.Suspend.Reason)
	}
}

func TestWaitToolValidatesBounds(t *testing.T) {
	reg := Builtins(time.Minute)
	for _, args := range []string{`{"seconds": -1}`, `{"seconds": 120}`} {
		_, err := reg.Execute(context.Background(), Call{Name: "wait", Arguments: json.RawMessage(args)})
		toolErr, ok := AsToolError(err)
		if !ok || toolErr.Tool != "wait" {
			t.Fatalf("expected wait tool error for %s, got %v", args, err)
		}
	}
}

func TestRegistryUnknownToolAndSpecs(t *testing.T) {
	reg := Builtins(0)
	specs := reg.Specs()
	if len(specs) != 2 || specs[0].Name != "noop" || specs[1].Name != "wait" {
		t.Fatalf("unexpected specs %+v", specs)
	}
	_, err := reg.Execute(context.Background(), Call{Name: "teleport"})
	if _, ok := AsToolError(err); !ok {
		t.Fatalf("expected tool error for unknown tool, got %v", err)
	}
}
