// Package registry hosts the built-in tools of the agent. A FunctionProvider
// contributes tool definitions, an execution handler, optional HTTP routes
// (for example serving the files a tool produced) and optional Prometheus
// collectors.
//
// The FunctionRegistry aggregates providers and implements tools.ToolExecutor.
package registry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rhuss/datachat/pkg/tools"
)

// FunctionProvider is a pluggable built-in tool provider.
type FunctionProvider interface {
	// Name returns a unique identifier for this provider (e.g., "code_interpreter").
	Name() string

	// Tools returns the tool definitions this provider contributes.
	Tools() []tools.ToolDefinition

	// CanExecute reports whether this provider handles the named tool.
	CanExecute(name string) bool

	// Execute runs a tool call and returns the result.
	Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error)

	// Routes returns HTTP endpoints that this provider exposes.
	Routes() []Route

	// Collectors returns Prometheus collectors for provider-specific metrics.
	Collectors() []prometheus.Collector

	// Close releases any resources held by the provider.
	Close() error
}

// Route is an HTTP endpoint exposed by a provider. Pattern uses the
// "{name}" wildcard syntax shared by net/http and chi.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}
