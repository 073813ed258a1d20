package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rhuss/datachat/pkg/tools"
)

var (
	toolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_builtin_tool_executions_total",
			Help: "Total built-in tool executions",
		},
		[]string{"provider", "tool_name", "status"},
	)

	toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_builtin_tool_duration_seconds",
			Help:    "Built-in tool execution duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "tool_name"},
	)

	routeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_builtin_route_requests_total",
			Help: "Total requests to built-in provider routes",
		},
		[]string{"provider", "method", "path", "status"},
	)

	routeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_builtin_route_duration_seconds",
			Help:    "Built-in provider route duration",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"provider", "method", "path"},
	)

	routeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_builtin_route_response_bytes",
			Help:    "Size of responses served by built-in provider routes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"provider", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		toolExecutions,
		toolDuration,
		routeRequests,
		routeDuration,
		routeBytes,
	)
}

// FunctionRegistry aggregates FunctionProviders and implements tools.ToolExecutor.
type FunctionRegistry struct {
	mu sync.RWMutex

	// providers stores registered providers in insertion order.
	providers []FunctionProvider

	// toolToProvider maps tool name to the provider that owns it.
	toolToProvider map[string]FunctionProvider
}

var _ tools.ToolExecutor = (*FunctionRegistry)(nil)

// New creates an empty FunctionRegistry.
func New() *FunctionRegistry {
	return &FunctionRegistry{
		toolToProvider: make(map[string]FunctionProvider),
	}
}

// Register adds a provider. If two providers supply a tool with the same
// name, the first registered provider wins and a warning is logged.
// Provider collectors are registered with the default Prometheus registry.
func (r *FunctionRegistry) Register(p FunctionProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = append(r.providers, p)

	for _, td := range p.Tools() {
		if existing, ok := r.toolToProvider[td.Name]; ok {
			slog.Warn("builtin tool name conflict, keeping first provider",
				"tool", td.Name,
				"winner", existing.Name(),
				"loser", p.Name(),
			)
			continue
		}
		r.toolToProvider[td.Name] = p
	}

	for _, c := range p.Collectors() {
		if err := prometheus.Register(c); err != nil {
			slog.Debug("collector already registered", "provider", p.Name(), "error", err)
		}
	}

	slog.Info("registered builtin provider",
		"provider", p.Name(),
		"tools", len(p.Tools()),
		"routes", len(p.Routes()),
	)
}

// Kind returns ToolKindBuiltin.
func (r *FunctionRegistry) Kind() tools.ToolKind {
	return tools.ToolKindBuiltin
}

// Definitions returns the merged tool definitions of all providers.
func (r *FunctionRegistry) Definitions(context.Context) ([]tools.ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []tools.ToolDefinition
	for _, p := range r.providers {
		for _, td := range p.Tools() {
			if r.toolToProvider[td.Name] == p {
				all = append(all, td)
			}
		}
	}
	return all, nil
}

// CanExecute returns true if any registered provider handles the named tool.
func (r *FunctionRegistry) CanExecute(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.toolToProvider[toolName]
	return ok
}

// Execute routes the tool call to the correct provider, records metrics,
// and recovers from panics.
func (r *FunctionRegistry) Execute(ctx context.Context, call tools.ToolCall) (result *tools.ToolResult, err error) {
	r.mu.RLock()
	p, ok := r.toolToProvider[call.Name]
	r.mu.RUnlock()

	if !ok {
		return tools.ErrorResult(call, "no builtin provider handles tool %q", call.Name), nil
	}

	providerName := p.Name()
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("builtin tool provider panicked",
				"provider", providerName,
				"tool", call.Name,
				"panic", rec,
			)
			result = tools.ErrorResult(call, "internal error: builtin tool %q panicked", call.Name)
			err = nil

			toolExecutions.WithLabelValues(providerName, call.Name, "panic").Inc()
			toolDuration.WithLabelValues(providerName, call.Name).Observe(time.Since(start).Seconds())
		}
	}()

	result, err = p.Execute(ctx, call)

	status := "success"
	if err != nil {
		status = "error"
	} else if result != nil && result.IsError {
		status = "tool_error"
	}

	toolExecutions.WithLabelValues(providerName, call.Name, status).Inc()
	toolDuration.WithLabelValues(providerName, call.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerName, err)
	}
	return result, nil
}

// Routes returns the routes of all providers, each wrapped with metrics.
func (r *FunctionRegistry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var routes []Route
	for _, p := range r.providers {
		for _, route := range p.Routes() {
			routes = append(routes, Route{
				Method:  route.Method,
				Pattern: route.Pattern,
				Handler: wrapRoute(p.Name(), route),
			})
		}
	}
	return routes
}

// Close closes all registered providers, returning the last error encountered.
func (r *FunctionRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			slog.Warn("failed to close builtin provider", "provider", p.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// HasProviders returns true if at least one provider is registered.
func (r *FunctionRegistry) HasProviders() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers) > 0
}
