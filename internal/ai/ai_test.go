package ai

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry("echo")
	reg.Register("echo", Echo{})
	reg.Register("Scripted", NewScripted(Reply("hi")))
	reg.Alias("fast", "echo")

	if _, name, err := reg.Resolve(""); err != nil || name != "echo" {
		t.Fatalf("expected fallback echo, got %q %v", name, err)
	}
	if _, name, err := reg.Resolve("FAST"); err != nil || name != "echo" {
		t.Fatalf("expected alias to resolve, got %q %v", name, err)
	}
	if _, name, err := reg.Resolve("scripted"); err != nil || name != "scripted" {
		t.Fatalf("expected case-insensitive lookup, got %q %v", name, err)
	}
	if _, _, err := reg.Resolve("gpt-9"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "echo" {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestEchoStreamsLastUserText(t *testing.T) {
	req := Request{Items: []Item{
		{Kind: ItemText, Role: "user", Text: "first"},
		{Kind: ItemText, Role: "assistant", Text: "ok"},
		{Kind: ItemText, Role: "user", Text: "hello there"},
	}}
	var streamed string
	resp, err := Echo{}.GenerateStream(context.Background(), req, func(d Delta) {
		streamed += d.Text
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "hello there" || streamed != "hello there" {
		t.Fatalf("unexpected echo %q streamed %q", resp.Text, streamed)
	}
}

func TestScriptedReplaysInOrder(t *testing.T) {
	boom := errors.New("boom")
	model := NewScripted(CallTool("c1", "noop", `{}`), Step{Err: boom}, Reply("done"))
	ctx := context.Background()

	resp, err := model.Generate(ctx, Request{})
	if err != nil || len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "noop" {
		t.Fatalf("unexpected first step %+v %v", resp, err)
	}
	if _, err := model.Generate(ctx, Request{}); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	if resp, err := model.Generate(ctx, Request{}); err != nil || resp.Text != "done" {
		t.Fatalf("unexpected third step %+v %v", resp, err)
	}
	if _, err := model.Generate(ctx, Request{}); !errors.Is(err, ErrScriptExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if model.Calls() != 4 {
		t.Fatalf("expected 4 recorded requests, got %d", model.Calls())
	}
}
