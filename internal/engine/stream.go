package engine

import (
	"context"

	"github.com/flitsinc/go-threads/internal/ai"
	"github.com/flitsinc/go-threads/internal/threads"
)

const (
	StreamTypeEvent = "event"
	StreamTypeDelta = "delta"
	StreamTypeDone  = "done"
	StreamTypeError = "error"
)

// StreamEvent is one item of a streamed run. A stream always ends with
// exactly one done or error item.
type StreamEvent struct {
	Type   string         `json:"type"`
	Event  *threads.Event `json:"event,omitempty"`
	Delta  *ai.Delta      `json:"delta,omitempty"`
	Result *RunResult     `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (s StreamEvent) Terminal() bool {
	return s.Type == StreamTypeDone || s.Type == StreamTypeError
}

type emitter func(StreamEvent)

func (emit emitter) event(evt threads.Event) {
	if emit == nil {
		return
	}
	emit(StreamEvent{Type: StreamTypeEvent, Event: &evt})
}

func (emit emitter) delta(d ai.Delta) {
	if emit == nil {
		return
	}
	emit(StreamEvent{Type: StreamTypeDelta, Delta: &d})
}

// channelEmitter forwards to ch until ctx is done, so a vanished reader
// never blocks the run.
func channelEmitter(ctx context.Context, ch chan<- StreamEvent) emitter {
	return func(ev StreamEvent) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}
}
