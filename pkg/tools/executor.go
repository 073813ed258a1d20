package tools

import (
	"context"
	"fmt"
)

// ToolKind classifies how a tool is hosted and executed.
type ToolKind int

const (
	// ToolKindBuiltin is a tool executed in-process by a registered
	// provider, such as the code interpreter.
	ToolKindBuiltin ToolKind = iota

	// ToolKindMCP is a tool served by an external Model Context Protocol
	// server.
	ToolKindMCP
)

func (k ToolKind) String() string {
	switch k {
	case ToolKindBuiltin:
		return "builtin"
	case ToolKindMCP:
		return "mcp"
	default:
		return fmt.Sprintf("ToolKind(%d)", int(k))
	}
}

// ToolDefinition describes a function tool offered to the model.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Parameters is the JSON Schema of the arguments object.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ToolExecutor executes tool calls.
type ToolExecutor interface {
	// Kind returns the type of tools this executor handles.
	Kind() ToolKind

	// Definitions lists the tools this executor offers.
	Definitions(ctx context.Context) ([]ToolDefinition, error)

	// CanExecute checks if this executor can handle the given tool name.
	CanExecute(toolName string) bool

	// Execute runs the tool and returns the result. Tool-level failures are
	// reported through ToolResult.IsError; a non-nil error means the
	// executor itself failed.
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// ToolCall represents a model's request to invoke a tool.
type ToolCall struct {
	// ID is the unique call identifier assigned by the model.
	ID string `json:"id"`

	// Name is the tool function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	// CallID matches the originating ToolCall.ID.
	CallID string `json:"call_id"`

	// Output is the tool output content (text).
	Output string `json:"output"`

	// IsError indicates that the output is an error message.
	IsError bool `json:"is_error,omitempty"`
}

// ErrorResult builds an error ToolResult for call.
func ErrorResult(call ToolCall, format string, args ...any) *ToolResult {
	return &ToolResult{
		CallID:  call.ID,
		Output:  fmt.Sprintf(format, args...),
		IsError: true,
	}
}

// Executors routes calls to the first executor that can handle them.
type Executors []ToolExecutor

// Definitions concatenates the definitions of all executors. A tool name
// offered twice is listed once, owned by the first executor.
func (e Executors) Definitions(ctx context.Context) ([]ToolDefinition, error) {
	var defs []ToolDefinition
	seen := make(map[string]bool)
	for _, ex := range e {
		list, err := ex.Definitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s tools: %w", ex.Kind(), err)
		}
		for _, d := range list {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			defs = append(defs, d)
		}
	}
	return defs, nil
}

// Execute dispatches call. An unknown tool yields an error result so the
// model can recover.
func (e Executors) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	for _, ex := range e {
		if ex.CanExecute(call.Name) {
			return ex.Execute(ctx, call)
		}
	}
	return ErrorResult(call, "unknown tool %q", call.Name), nil
}
