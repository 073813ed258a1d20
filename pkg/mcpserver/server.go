// Package mcpserver exposes a code interpreter session to MCP clients, so
// that desktop assistants can upload CSV files and run analysis code the
// same way the chat agent does.
package mcpserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/debug"
)

// Tool names.
const (
	UploadFileTool = "upload_file"
	ResetTool      = "reset_session"
)

// UploadInput is the argument of upload_file.
type UploadInput struct {
	Name          string `json:"name" jsonschema:"file name such as sales.csv"`
	ContentBase64 string `json:"content_base64" jsonschema:"base64 encoded file content"`
}

// RunInput is the argument of code_interpreter.
type RunInput struct {
	Code string `json:"code" jsonschema:"Python code to execute"`
}

// Server holds one interpreter session shared by all connected clients.
// The interpreter is created on first use.
type Server struct {
	factory codeinterpreter.Factory
	server  *mcp.Server

	mu      sync.Mutex
	it      codeinterpreter.Interpreter
	uploads map[string]codeinterpreter.UploadedFile
}

// New creates the MCP server. version is reported to clients.
func New(factory codeinterpreter.Factory, version string) *Server {
	s := &Server{factory: factory, uploads: make(map[string]codeinterpreter.UploadedFile)}
	s.server = mcp.NewServer(&mcp.Implementation{Name: "datachat", Version: version}, nil)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        UploadFileTool,
		Description: "Upload a file into the code interpreter. Returns the path to use from Python.",
	}, s.uploadFile)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        codeinterpreter.ToolName,
		Description: "Run Python code in a sandbox with pandas and matplotlib. Uploaded files are readable at their returned path. Save charts to files to return them.",
	}, s.runCode)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ResetTool,
		Description: "Discard the interpreter session, its variables and uploaded files.",
	}, s.reset)

	return s
}

// Handler serves MCP over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}

// Run serves MCP on t until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.server.Run(ctx, t)
}

// Close releases the interpreter.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(ctx)
}

func (s *Server) closeLocked(ctx context.Context) error {
	if s.it == nil {
		return nil
	}
	err := s.it.Close(ctx)
	s.it = nil
	s.uploads = make(map[string]codeinterpreter.UploadedFile)
	return err
}

// interpreter returns the session interpreter, creating it if needed.
// Callers hold s.mu.
func (s *Server) interpreter(ctx context.Context) (codeinterpreter.Interpreter, error) {
	if s.it != nil {
		return s.it, nil
	}
	it, err := s.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating interpreter: %w", err)
	}
	s.it = it
	return it, nil
}

func (s *Server) uploadFile(ctx context.Context, _ *mcp.CallToolRequest, in UploadInput) (*mcp.CallToolResult, any, error) {
	if in.Name == "" {
		return errorResult("name is required"), nil, nil
	}
	content, err := base64.StdEncoding.DecodeString(in.ContentBase64)
	if err != nil {
		return errorResult("content_base64 is not valid base64: %v", err), nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if up, ok := s.uploads[in.Name]; ok {
		return textResult("%s is already uploaded at %s", up.Name, up.Path), nil, nil
	}
	it, err := s.interpreter(ctx)
	if err != nil {
		return errorResult("%v", err), nil, nil
	}
	up, err := it.UploadFile(ctx, in.Name, content)
	if errors.Is(err, codeinterpreter.ErrClosed) {
		s.expire()
		if it, err = s.interpreter(ctx); err != nil {
			return errorResult("%v", err), nil, nil
		}
		up, err = it.UploadFile(ctx, in.Name, content)
	}
	if err != nil {
		return errorResult("uploading %s: %v", in.Name, err), nil, nil
	}
	s.uploads[in.Name] = *up
	slog.Info("mcp upload", "file", up.Name, "path", up.Path, "bytes", len(content))
	return textResult("Uploaded %s. Code Interpreter path: %s", up.Name, up.Path), nil, nil
}

func (s *Server) runCode(ctx context.Context, _ *mcp.CallToolRequest, in RunInput) (*mcp.CallToolResult, any, error) {
	if in.Code == "" {
		return errorResult("%s", codeinterpreter.FormatToolOutput(nil, codeinterpreter.ErrEmptyCode)), nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.interpreter(ctx)
	if err != nil {
		return errorResult("%v", err), nil, nil
	}
	debug.Log("interpreter", "mcp run", "code", debug.Truncate(in.Code, 500))

	res, err := it.Run(ctx, in.Code)
	if err != nil {
		if errors.Is(err, codeinterpreter.ErrClosed) {
			s.expire()
			return errorResult("%s\n%s", codeinterpreter.FormatToolOutput(nil, err), expiredHint), nil, nil
		}
		return errorResult("%s", codeinterpreter.FormatToolOutput(nil, err)), nil, nil
	}
	return textResult("%s", codeinterpreter.FormatToolOutput(res, nil)), nil, nil
}

// expiredHint tells the client what was lost with the interpreter.
const expiredHint = "The interpreter session expired. Upload your files again before running more code."

// expire forgets an interpreter the backend has already dropped, so the
// next call starts a fresh one. Callers hold s.mu.
func (s *Server) expire() {
	slog.Info("mcp interpreter expired", "uploads", len(s.uploads))
	s.it = nil
	s.uploads = make(map[string]codeinterpreter.UploadedFile)
}

func (s *Server) reset(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(ctx); err != nil {
		slog.Warn("closing interpreter on reset", "error", err)
	}
	return textResult("Session reset."), nil, nil
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}}}
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	r := textResult(format, args...)
	r.IsError = true
	return r
}
