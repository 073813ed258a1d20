package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rhuss/datachat/pkg/tools"
)

var _ tools.ToolExecutor = (*MCPExecutor)(nil)

// MCPExecutor routes tool calls to the MCP server offering the tool. Tools
// are discovered on first use; a server that fails discovery is skipped.
type MCPExecutor struct {
	mu           sync.RWMutex
	clients      map[string]*MCPClient
	toolToServer map[string]string
	defs         []tools.ToolDefinition
	discovered   bool
}

func NewMCPExecutor(clients map[string]*MCPClient) *MCPExecutor {
	return &MCPExecutor{clients: clients, toolToServer: make(map[string]string)}
}

// Connect connects to every configured server. Servers that cannot be
// reached are logged and left out.
func Connect(ctx context.Context, servers []ServerConfig) *MCPExecutor {
	clients := make(map[string]*MCPClient, len(servers))
	for _, cfg := range servers {
		c := NewMCPClient(cfg)
		if err := c.Connect(ctx); err != nil {
			slog.Error("MCP server unavailable", "server", cfg.Name, "url", cfg.URL, "error", err)
			continue
		}
		slog.Info("connected to MCP server", "server", cfg.Name, "url", cfg.URL)
		clients[cfg.Name] = c
	}
	return NewMCPExecutor(clients)
}

func (e *MCPExecutor) Kind() tools.ToolKind { return tools.ToolKindMCP }

func (e *MCPExecutor) Definitions(ctx context.Context) ([]tools.ToolDefinition, error) {
	e.discover(ctx)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defs, nil
}

func (e *MCPExecutor) CanExecute(toolName string) bool {
	e.discover(context.Background())
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.toolToServer[toolName]
	return ok
}

func (e *MCPExecutor) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	e.discover(ctx)

	e.mu.RLock()
	server, ok := e.toolToServer[call.Name]
	client := e.clients[server]
	e.mu.RUnlock()
	if !ok {
		return tools.ErrorResult(call, "no MCP server provides tool %q", call.Name), nil
	}
	return client.CallTool(ctx, call)
}

func (e *MCPExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for name, c := range e.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (e *MCPExecutor) discover(ctx context.Context) {
	e.mu.RLock()
	done := e.discovered
	e.mu.RUnlock()
	if done {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.discovered {
		return
	}

	// Sorted so that duplicate names resolve the same way on every start.
	names := make([]string, 0, len(e.clients))
	for name := range e.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		defs, err := e.clients[name].Tools(ctx)
		if err != nil {
			slog.Error("failed to discover MCP tools", "server", name, "error", err)
			continue
		}
		for _, td := range defs {
			if owner, dup := e.toolToServer[td.Name]; dup {
				slog.Warn("duplicate MCP tool name, keeping first server", "tool", td.Name, "kept", owner, "skipped", name)
				continue
			}
			e.toolToServer[td.Name] = name
			e.defs = append(e.defs, td)
		}
		slog.Info("discovered MCP tools", "server", name, "count", len(defs))
	}
	e.discovered = true
}
