package agent

import (
	"context"
	"sync"

	"github.com/rhuss/datachat/pkg/tools"
)

// EventType names an agent progress event.
type EventType string

const (
	EventTurnStarted EventType = "turn_started"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventMessage     EventType = "message"
	EventError       EventType = "error"
)

// Event reports agent progress. Which fields are set depends on Type.
type Event struct {
	Type EventType `json:"type"`
	Turn int       `json:"turn"`

	ToolCall   *tools.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *tools.ToolResult `json:"tool_result,omitempty"`

	// Text is the assistant reply for message events.
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// EventSink receives events. A failing sink does not stop the agent; the
// client may have gone away while the answer is still worth persisting.
type EventSink interface {
	WriteEvent(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) WriteEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// lockedSink serializes writes when tool calls run concurrently.
type lockedSink struct {
	mu   sync.Mutex
	sink EventSink
}

func (s *lockedSink) emit(ctx context.Context, ev Event) {
	if s.sink == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.sink.WriteEvent(ctx, ev)
}
