package api

import "time"

// File describes an uploaded CSV file.
type File struct {
	Name string `json:"name"`

	// Path is the location of the file inside the code interpreter.
	Path string `json:"path"`
}

// Message is one conversation entry. HTML and Images are filled for
// rendered assistant answers.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	HTML    string   `json:"html,omitempty"`
	Images  []string `json:"images,omitempty"`
}

// Session is the client view of a chat session.
type Session struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	Files      []File    `json:"files"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// SessionList is returned by GET /api/sessions.
type SessionList struct {
	Data []Session `json:"data"`
}

// AskRequest is the body of POST /api/sessions/{id}/messages.
type AskRequest struct {
	// Model is a catalog label. Empty keeps the session's model.
	Model   string `json:"model,omitempty"`
	Content string `json:"content"`
}

// AskResponse carries the answer of a non-streaming question.
type AskResponse struct {
	Message Message `json:"message"`
}

// ModelList is returned by GET /api/models.
type ModelList struct {
	Default string   `json:"default"`
	Models  []string `json:"models"`
}

// Stream event types sent as SSE "event:" lines.
const (
	EventTurnStarted = "turn_started"
	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventMessage     = "message"
	EventError       = "error"
	EventDone        = "done"
)

// StreamEvent is the data of one server-sent event.
type StreamEvent struct {
	Type      string   `json:"type"`
	Turn      int      `json:"turn,omitempty"`
	Tool      string   `json:"tool,omitempty"`
	Arguments string   `json:"arguments,omitempty"`
	Output    string   `json:"output,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
	Text      string   `json:"text,omitempty"`
	Message   *Message `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
}
