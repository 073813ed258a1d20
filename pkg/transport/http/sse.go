package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/api"
)

var errStreamClosed = errors.New("stream already finished")

// sseWriter streams agent progress as server-sent events:
//
//	event: {type}
//	data: {json}
//
// The stream ends with "data: [DONE]".
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	started bool
	closed  bool
}

var _ agent.EventSink = (*sseWriter)(nil)

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// WriteEvent forwards an agent event. Agent error events are dropped; the
// handler reports the final error itself so every failure is sent once.
func (s *sseWriter) WriteEvent(_ context.Context, ev agent.Event) error {
	if ev.Type == agent.EventError {
		return nil
	}
	return s.send(streamEvent(ev))
}

func (s *sseWriter) send(ev api.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	s.startLocked()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return s.rc.Flush()
}

// finish writes the terminal event followed by [DONE].
func (s *sseWriter) finish(ev api.StreamEvent) error {
	if err := s.send(ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing [DONE]: %w", err)
	}
	return s.rc.Flush()
}

func (s *sseWriter) startLocked() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// streamEvent converts an agent event to its wire form.
func streamEvent(ev agent.Event) api.StreamEvent {
	out := api.StreamEvent{Type: string(ev.Type), Turn: ev.Turn, Text: ev.Text, Error: ev.Error}
	if ev.ToolCall != nil {
		out.Tool = ev.ToolCall.Name
		if ev.Type == agent.EventToolCall {
			out.Arguments = ev.ToolCall.Arguments
		}
	}
	if ev.ToolResult != nil {
		out.Output = ev.ToolResult.Output
		out.IsError = ev.ToolResult.IsError
	}
	return out
}
