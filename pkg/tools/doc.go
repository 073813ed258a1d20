// Package tools defines the contract between the agent loop and the tools
// it can call. Built-in tools (the code interpreter) are served by the
// registry subpackage; tools of external MCP servers by the mcp subpackage.
//
// Executors are combined with Executors, which routes each call to the
// first executor that claims the tool name.
package tools
