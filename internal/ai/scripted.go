package ai

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrScriptExhausted = errors.New("scripted model has no more steps")

// Step is one scripted model turn.
type Step struct {
	Response Response
	Err      error
	Delay    time.Duration
}

// Scripted replays steps in order and records every request it receives.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []Request
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Reply is shorthand for a text-only step.
func Reply(text string) Step {
	return Step{Response: Response{Text: text}}
}

// CallTool is shorthand for a step that requests one tool call.
func CallTool(id, name, arguments string) Step {
	return Step{Response: Response{ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: []byte(arguments)}}}}
}

func (s *Scripted) Generate(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if s.next >= len(s.steps) {
		s.mu.Unlock()
		return Response{}, ErrScriptExhausted
	}
	step := s.steps[s.next]
	s.next++
	s.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if step.Err != nil {
		return Response{}, step.Err
	}
	return step.Response, nil
}

func (s *Scripted) GenerateStream(ctx context.Context, req Request, onDelta func(Delta)) (Response, error) {
	resp, err := s.Generate(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if onDelta != nil {
		if resp.Reasoning != "" {
			onDelta(Delta{Reasoning: resp.Reasoning})
		}
		if resp.Text != "" {
			onDelta(Delta{Text: resp.Text})
		}
	}
	return resp, nil
}

// Requests returns a copy of the requests seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
