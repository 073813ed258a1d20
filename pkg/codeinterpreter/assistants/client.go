// Package assistants implements the code interpreter on the legacy OpenAI
// Assistants API: one assistant with the code_interpreter tool and one
// thread per interpreter, with runs polled until they finish.
package assistants

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/debug"
)

const backendName = "assistants"

const (
	DefaultModel        = "gpt-4o"
	DefaultPollInterval = time.Second

	assistantName         = "Python Code Runner"
	assistantInstructions = "You are a python code runner. Write and run code to answer questions."
)

// Config configures the Assistants API backend.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

var _ codeinterpreter.Interpreter = (*Client)(nil)

// Client runs code on an assistant thread.
type Client struct {
	api   openai.Client
	cfg   Config
	files *codeinterpreter.FileStore

	mu          sync.Mutex
	assistantID string
	threadID    string
	fileIDs     []string
	closed      bool
}

// New creates the assistant and its thread.
func New(ctx context.Context, cfg Config, store *codeinterpreter.FileStore) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if store == nil {
		var err error
		if store, err = codeinterpreter.NewFileStore(""); err != nil {
			return nil, err
		}
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	c := &Client{api: openai.NewClient(opts...), cfg: cfg, files: store}

	asst, err := c.api.Beta.Assistants.New(ctx, openai.BetaAssistantNewParams{
		Model:        cfg.Model,
		Name:         openai.String(assistantName),
		Instructions: openai.String(assistantInstructions),
		Tools: []openai.AssistantToolUnionParam{{
			OfCodeInterpreter: &openai.CodeInterpreterToolParam{},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating assistant: %w", err)
	}
	c.assistantID = asst.ID

	thread, err := c.api.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		if _, delErr := c.api.Beta.Assistants.Delete(ctx, c.assistantID); delErr != nil {
			slog.Warn("deleting orphaned assistant failed", "assistant", c.assistantID, "error", delErr)
		}
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	c.threadID = thread.ID

	slog.Info("code interpreter assistant created", "assistant", c.assistantID, "thread", c.threadID)
	return c, nil
}

// NewFactory returns a factory creating one assistant per interpreter.
func NewFactory(cfg Config, store *codeinterpreter.FileStore) codeinterpreter.Factory {
	return func(ctx context.Context) (codeinterpreter.Interpreter, error) {
		return New(ctx, cfg, store)
	}
}

// UploadFile uploads content and attaches the full file list to the
// assistant's code interpreter resources.
func (c *Client) UploadFile(ctx context.Context, name string, content []byte) (*codeinterpreter.UploadedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, codeinterpreter.ErrClosed
	}

	f, err := c.api.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(content), name, "text/csv"),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}

	ids := append(append([]string(nil), c.fileIDs...), f.ID)
	_, err = c.api.Beta.Assistants.Update(ctx, c.assistantID, openai.BetaAssistantUpdateParams{
		ToolResources: openai.BetaAssistantUpdateParamsToolResources{
			CodeInterpreter: openai.BetaAssistantUpdateParamsToolResourcesCodeInterpreter{FileIDs: ids},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("attaching %s to assistant: %w", name, err)
	}
	c.fileIDs = ids

	// Files attached to an assistant are mounted under their id.
	return &codeinterpreter.UploadedFile{Name: name, Path: "/mnt/data/" + f.ID, FileID: f.ID}, nil
}

// Run posts the code to the thread, waits for the run and downloads the
// files referenced by the reply.
func (c *Client) Run(ctx context.Context, code string) (*codeinterpreter.Result, error) {
	if code == "" {
		return nil, codeinterpreter.ErrEmptyCode
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, codeinterpreter.ErrClosed
	}

	start := time.Now()
	res, err := c.run(ctx, code)
	files := 0
	if res != nil {
		files = len(res.Files)
	}
	codeinterpreter.ObserveRun(backendName, start, files, err)
	return res, err
}

func (c *Client) run(ctx context.Context, code string) (*codeinterpreter.Result, error) {
	_, err := c.api.Beta.Threads.Messages.New(ctx, c.threadID, openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(codeinterpreter.ExecutionPrompt(code))},
	})
	if err != nil {
		return nil, fmt.Errorf("adding message: %w", err)
	}

	run, err := c.api.Beta.Threads.Runs.New(ctx, c.threadID, openai.BetaThreadRunNewParams{
		AssistantID:  c.assistantID,
		Instructions: openai.String(codeinterpreter.RunnerInstructions),
	})
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}

	run, err = c.poll(ctx, run)
	if err != nil {
		return nil, err
	}
	if run.Status != openai.RunStatusCompleted {
		msg := string(run.Status)
		if run.LastError.Message != "" {
			msg += ": " + run.LastError.Message
		}
		return nil, fmt.Errorf("run %s did not complete: %s", run.ID, msg)
	}

	page, err := c.api.Beta.Threads.Messages.List(ctx, c.threadID, openai.BetaThreadMessageListParams{
		Limit: openai.Int(1),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	if len(page.Data) == 0 {
		return nil, fmt.Errorf("run %s completed without a reply", run.ID)
	}

	text, ids, err := parseMessage(page.Data[0])
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		p, err := c.download(ctx, id)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}

	return &codeinterpreter.Result{Text: text, Files: paths}, nil
}

// poll waits until run leaves the queued and in-progress states.
func (c *Client) poll(ctx context.Context, run *openai.Run) (*openai.Run, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for !terminal(run.Status) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var err error
		run, err = c.api.Beta.Threads.Runs.Get(ctx, c.threadID, run.ID)
		if err != nil {
			return nil, fmt.Errorf("polling run: %w", err)
		}
		debug.Trace("interpreter", "run status", "run", run.ID, "status", run.Status)
	}
	return run, nil
}

func terminal(s openai.RunStatus) bool {
	switch s {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return false
	}
	return true
}

// parseMessage collects the reply text and the ids of referenced files in
// order of appearance, each id once.
func parseMessage(msg openai.Message) (string, []string, error) {
	var text strings.Builder
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, part := range msg.Content {
		switch part.Type {
		case "text":
			text.WriteString(part.Text.Value)
			for _, ann := range part.Text.Annotations {
				if ann.Type == "file_path" {
					add(ann.FilePath.FileID)
				}
			}
		case "image_file":
			add(part.ImageFile.FileID)
		default:
			return "", nil, fmt.Errorf("unexpected message content type %q", part.Type)
		}
	}
	return text.String(), ids, nil
}

// download stores a file under its id with an extension taken from its
// content only. Unknown types are saved without extension.
func (c *Client) download(ctx context.Context, fileID string) (string, error) {
	resp, err := c.api.Files.Content(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fileID, err)
	}
	return c.files.Save(fileID, codeinterpreter.SniffExtension(data), data)
}

// Close deletes the thread and the assistant.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if _, err := c.api.Beta.Threads.Delete(ctx, c.threadID); err != nil {
		errs = append(errs, fmt.Errorf("deleting thread %s: %w", c.threadID, err))
	}
	if _, err := c.api.Beta.Assistants.Delete(ctx, c.assistantID); err != nil {
		errs = append(errs, fmt.Errorf("deleting assistant %s: %w", c.assistantID, err))
	}
	return errors.Join(errs...)
}
