package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rhuss/datachat/pkg/tools"
)

// MCPClient is the connection to one MCP server. Tool definitions are
// listed once and cached.
type MCPClient struct {
	cfg     ServerConfig
	session *mcp.ClientSession

	mu     sync.Mutex
	cached []tools.ToolDefinition
	listed bool
}

func NewMCPClient(cfg ServerConfig) *MCPClient {
	return &MCPClient{cfg: cfg}
}

// Connect performs the protocol handshake over the configured transport.
func (c *MCPClient) Connect(ctx context.Context) error {
	t, err := c.transport()
	if err != nil {
		return fmt.Errorf("creating transport for %q: %w", c.cfg.Name, err)
	}
	return c.ConnectWithTransport(ctx, t)
}

// ConnectWithTransport connects over t, used with in-memory transports.
func (c *MCPClient) ConnectWithTransport(ctx context.Context, t mcp.Transport) error {
	client := mcp.NewClient(&mcp.Implementation{Name: "datachat", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("connecting to MCP server %q: %w", c.cfg.Name, err)
	}
	c.session = session
	return nil
}

func (c *MCPClient) transport() (mcp.Transport, error) {
	httpClient := c.httpClient()
	switch c.cfg.Transport {
	case "", "streamable-http":
		return &mcp.StreamableClientTransport{Endpoint: c.cfg.URL, HTTPClient: httpClient}, nil
	case "sse":
		return &mcp.SSEClientTransport{Endpoint: c.cfg.URL, HTTPClient: httpClient}, nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", c.cfg.Transport)
	}
}

// httpClient returns nil, the SDK default, when no headers are configured.
func (c *MCPClient) httpClient() *http.Client {
	var auth AuthProvider
	if c.cfg.Auth.Type == "oauth_client_credentials" {
		auth = NewOAuthClientCredentials(c.cfg.Auth.TokenURL, c.cfg.Auth.ClientID, c.cfg.Auth.ClientSecret, c.cfg.Auth.Scopes)
	}
	if len(c.cfg.Headers) == 0 && auth == nil {
		return nil
	}
	return &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: c.cfg.Headers, auth: auth}}
}

// Tools lists the server's tools.
func (c *MCPClient) Tools(ctx context.Context) ([]tools.ToolDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listed {
		return c.cached, nil
	}
	if c.session == nil {
		return nil, fmt.Errorf("MCP client %q not connected", c.cfg.Name)
	}

	var defs []tools.ToolDefinition
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools from %q: %w", c.cfg.Name, err)
		}
		td, err := convertTool(tool)
		if err != nil {
			return nil, fmt.Errorf("converting tool %q from %q: %w", tool.Name, c.cfg.Name, err)
		}
		defs = append(defs, td)
	}
	c.cached = defs
	c.listed = true
	return defs, nil
}

// CallTool runs call on the server. Protocol failures become error
// results so the model sees them.
func (c *MCPClient) CallTool(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	if c.session == nil {
		return nil, fmt.Errorf("MCP client %q not connected", c.cfg.Name)
	}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return tools.ErrorResult(call, "invalid arguments JSON: %v", err), nil
		}
	}

	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: call.Name, Arguments: args})
	if err != nil {
		return tools.ErrorResult(call, "MCP tool call error: %v", err), nil
	}
	return convertResult(call.ID, res), nil
}

func (c *MCPClient) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func convertTool(t *mcp.Tool) (tools.ToolDefinition, error) {
	td := tools.ToolDefinition{Name: t.Name, Description: t.Description}
	if t.InputSchema == nil {
		return td, nil
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return td, fmt.Errorf("marshaling input schema: %w", err)
	}
	if err := json.Unmarshal(data, &td.Parameters); err != nil {
		return td, fmt.Errorf("input schema is not an object: %w", err)
	}
	return td, nil
}

// convertResult joins the text parts of res.
func convertResult(callID string, res *mcp.CallToolResult) *tools.ToolResult {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return &tools.ToolResult{CallID: callID, Output: strings.Join(parts, "\n"), IsError: res.IsError}
}
