// Package mcp connects the agent to external Model Context Protocol
// servers. Each configured server is one MCPClient; MCPExecutor merges
// their tools and implements tools.ToolExecutor so the agent loop can call
// them next to the built-in code interpreter.
//
// The data-warehouse variant of datachat is this package plus a server
// offering get_table_info and exec_query.
package mcp
