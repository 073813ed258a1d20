// Package llm puts the chat models the user can pick behind one interface.
// Each backend translates the neutral transcript to its vendor SDK and
// back, including tool calls and tool results.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rhuss/datachat/pkg/tools"
)

// ErrUnknownModel is returned by Catalog.Select for labels not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Role of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry. Assistant messages may carry tool calls;
// tool messages answer exactly one call.
type Message struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []tools.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName identify the call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Request is one completion call.
type Request struct {
	System   string
	Messages []Message
	Tools    []tools.ToolDefinition
}

// Response is the model's turn: text, tool calls or both.
type Response struct {
	Text      string
	ToolCalls []tools.ToolCall
	Usage     Usage
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ChatModel completes a transcript.
type ChatModel interface {
	// Name is the vendor model id.
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Catalog maps the labels shown to the user to models.
type Catalog struct {
	models       map[string]ChatModel
	defaultLabel string
}

func NewCatalog() *Catalog {
	return &Catalog{models: make(map[string]ChatModel)}
}

// Add registers m under label. The first label added is the default until
// SetDefault is called.
func (c *Catalog) Add(label string, m ChatModel) {
	if c.defaultLabel == "" {
		c.defaultLabel = label
	}
	c.models[label] = m
}

func (c *Catalog) SetDefault(label string) error {
	if _, ok := c.models[label]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, label)
	}
	c.defaultLabel = label
	return nil
}

// Default returns the default label, empty for an empty catalog.
func (c *Catalog) Default() string { return c.defaultLabel }

// Select returns the model for label. An empty label selects the default.
func (c *Catalog) Select(label string) (ChatModel, error) {
	if label == "" {
		label = c.defaultLabel
	}
	m, ok := c.models[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, label)
	}
	return m, nil
}

// Labels returns the registered labels sorted.
func (c *Catalog) Labels() []string {
	labels := make([]string, 0, len(c.models))
	for l := range c.models {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
