package agenttools

import (
	"context"
	"encoding/json"
	"strings"
)

type NoopParams struct {
	Comment string `json:"comment,omitempty"`
}

var noopSchema = json.RawMessage(`{"type":"object","properties":{"comment":{"type":"string","description":"Optional note about why the agent is idling"}}}`)

func NoopTool() Tool {
	return Func(
		"noop",
		"Explicitly do nothing and leave a short optional comment",
		noopSchema,
		func(_ context.Context, _ Call, p NoopParams) (Result, error) {
			return Success(map[string]any{
				"status":  "idle",
				"comment": strings.TrimSpace(p.Comment),
			})
		},
	)
}
