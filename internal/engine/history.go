package engine

import (
	"github.com/flitsinc/go-threads/internal/ai"
	"github.com/flitsinc/go-threads/internal/threads"
)

// itemsFromHistory converts the model-visible events of a history into the
// conversation sent to the model. System events are skipped.
func itemsFromHistory(hist *threads.History) []ai.Item {
	events := hist.ModelEvents()
	items := make([]ai.Item, 0, len(events))
	for _, evt := range events {
		if item, ok := itemFromEvent(evt); ok {
			items = append(items, item)
		}
	}
	return items
}

func itemFromEvent(evt threads.Event) (ai.Item, bool) {
	switch p := evt.Payload.(type) {
	case threads.Message:
		return ai.Item{Kind: ai.ItemText, Role: p.Role, Text: p.Text}, true
	case threads.ToolCall:
		return ai.Item{Kind: ai.ItemToolCall, Role: threads.RoleAssistant, CallID: p.CallID, Name: p.Name, Arguments: p.Arguments}, true
	case threads.ToolResult:
		return ai.Item{Kind: ai.ItemToolResult, CallID: p.CallID, Name: p.Name, Output: p.Output, IsError: p.IsError}, true
	case threads.Reasoning:
		return ai.Item{Kind: ai.ItemReasoning, Role: threads.RoleAssistant, Text: p.Text}, true
	default:
		return ai.Item{}, false
	}
}

// needsModel reports whether the history ends with something the model has
// not answered yet.
func needsModel(hist *threads.History) bool {
	if len(hist.PendingCalls) > 0 {
		return true
	}
	events := hist.ModelEvents()
	if len(events) == 0 {
		return false
	}
	last := events[len(events)-1]
	if msg, ok := last.Payload.(threads.Message); ok && msg.Role == threads.RoleAssistant {
		return false
	}
	return true
}
