package codeinterpreter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/tools"
	"github.com/rhuss/datachat/pkg/tools/registry"
)

// ToolName is the function name the model uses to run code.
const ToolName = "code_interpreter"

const toolDescription = `Run Python code with the Code Interpreter.

- Suited to data processing, visualization, formulas, statistics and text analysis.
- The sandbox has no internet access: external sites and package installs are unavailable.
- Returns the execution output together with the files the code produced.

On error:
- Do not repeat the same code, try a different approach.
- If seaborn fails, use matplotlib or pandas.plot instead.
- Stop after two failed attempts and report to the user.

Returns a JSON array [text, files]:
- text: the execution result
- files: paths of produced files (under ./files/)`

var _ registry.FunctionProvider = (*Provider)(nil)

// Provider exposes the interpreter of the calling session as the
// code_interpreter function tool and serves produced files over HTTP.
type Provider struct {
	files   *FileStore
	timeout time.Duration
}

// NewProvider creates a provider serving files from store. A zero timeout
// leaves runs bounded only by the caller's context.
func NewProvider(store *FileStore, timeout time.Duration) *Provider {
	return &Provider{files: store, timeout: timeout}
}

func (p *Provider) Name() string {
	return "code_interpreter"
}

// Tools returns the single code_interpreter definition.
func (p *Provider) Tools() []tools.ToolDefinition {
	return []tools.ToolDefinition{{
		Name:        ToolName,
		Description: toolDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python code to execute",
				},
			},
			"required": []string{"code"},
		},
	}}
}

func (p *Provider) CanExecute(name string) bool {
	return name == ToolName
}

// Execute runs the code of call with the interpreter bound to ctx. Run
// failures are returned to the model as error output so it can retry.
func (p *Provider) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	var args struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return tools.ErrorResult(call, "invalid arguments: %v", err), nil
	}
	if args.Code == "" {
		return tools.ErrorResult(call, "%s", FormatToolOutput(nil, ErrEmptyCode)), nil
	}

	it, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoInterpreter
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	debug.Log("interpreter", "executing code", "call_id", call.ID, "code", debug.Truncate(args.Code, 500))
	debug.Raw("interpreter", args.Code)

	res, err := it.Run(ctx, args.Code)
	if err != nil {
		slog.Warn("code interpreter run failed", "call_id", call.ID, "error", err)
		return &tools.ToolResult{
			CallID:  call.ID,
			Output:  FormatToolOutput(nil, err),
			IsError: true,
		}, nil
	}

	return &tools.ToolResult{
		CallID: call.ID,
		Output: FormatToolOutput(res, nil),
	}, nil
}

// Routes serves produced files under /files/{name}.
func (p *Provider) Routes() []registry.Route {
	if p.files == nil {
		return nil
	}
	return []registry.Route{{
		Method:  http.MethodGet,
		Pattern: "/files/{name}",
		Handler: p.serveFile,
	}}
}

func (p *Provider) serveFile(w http.ResponseWriter, r *http.Request) {
	f, err := p.files.Open(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "file unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (p *Provider) Collectors() []prometheus.Collector {
	return Collectors()
}

// Close is a no-op: interpreters belong to sessions, not to the provider.
func (p *Provider) Close() error {
	return nil
}
