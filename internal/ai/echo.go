package ai

import (
	"context"
	"strings"
)

// Echo answers with the last user text. It never calls tools.
type Echo struct{}

func (Echo) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	text := LastUserText(req.Items)
	return Response{
		Text:  text,
		Usage: Usage{InputTokens: len(req.Items), OutputTokens: len(strings.Fields(text))},
	}, nil
}

func (e Echo) GenerateStream(ctx context.Context, req Request, onDelta func(Delta)) (Response, error) {
	resp, err := e.Generate(ctx, req)
	if err != nil {
		return Response{}, err
	}
	words := strings.SplitAfter(resp.Text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if onDelta != nil {
			onDelta(Delta{Text: w})
		}
	}
	return resp, nil
}
