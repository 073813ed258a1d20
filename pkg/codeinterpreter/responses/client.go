// Package responses implements the code interpreter on the OpenAI Responses
// API. Each Client owns one container; code runs through a model call that
// has the code_interpreter tool bound to that container.
package responses

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

	"github.com/gabriel-vasile/mimetype"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/debug"
)

const backendName = "responses"

// Defaults applied by New for empty Config fields.
const (
	DefaultModel         = "gpt-4o"
	DefaultContainerName = "datachat-session"
	containerDataDir     = "/mnt/data/"
	listPageSize         = 100
)

// Config configures the Responses API backend.
type Config struct {
	APIKey  string
	BaseURL string

	// Model executes the code. It only has to drive the tool call.
	Model string

	ContainerName string

	// ExpiresAfterMinutes lets the service drop the container after that
	// many idle minutes. Zero keeps the service default.
	ExpiresAfterMinutes int

	// DetectNewFiles lists the container before and after each run and
	// downloads files that appeared without being cited.
	DetectNewFiles bool

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.ContainerName == "" {
		c.ContainerName = DefaultContainerName
	}
}

var _ codeinterpreter.Interpreter = (*Client)(nil)

// Client is a code interpreter bound to one remote container. Runs are
// serialized because they share the container file system.
type Client struct {
	api   openai.Client
	cfg   Config
	files *codeinterpreter.FileStore

	mu          sync.Mutex
	containerID string
	closed      bool
}

// New creates the remote container. The container id is only set once the
// creation call succeeded.
func New(ctx context.Context, cfg Config, store *codeinterpreter.FileStore) (*Client, error) {
	cfg.applyDefaults()
	if store == nil {
		var err error
		if store, err = codeinterpreter.NewFileStore(""); err != nil {
			return nil, err
		}
	}

	c := &Client{
		api:   openai.NewClient(clientOptions(cfg)...),
		cfg:   cfg,
		files: store,
	}

	params := openai.ContainerNewParams{Name: cfg.ContainerName}
	if cfg.ExpiresAfterMinutes > 0 {
		params.ExpiresAfter = openai.ContainerNewParamsExpiresAfter{
			Anchor:  "last_active_at",
			Minutes: int64(cfg.ExpiresAfterMinutes),
		}
	}
	container, err := c.api.Containers.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	c.containerID = container.ID

	slog.Info("code interpreter container created", "container", c.containerID, "model", cfg.Model)
	return c, nil
}

// NewFactory returns a factory creating one container per interpreter.
func NewFactory(cfg Config, store *codeinterpreter.FileStore) codeinterpreter.Factory {
	return func(ctx context.Context) (codeinterpreter.Interpreter, error) {
		return New(ctx, cfg, store)
	}
}

func clientOptions(cfg Config) []option.RequestOption {
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
	return opts
}

// ContainerID returns the id of the remote container.
func (c *Client) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerID
}

// UploadFile copies content into the container. Code reads it from the
// returned path.
func (c *Client) UploadFile(ctx context.Context, name string, content []byte) (*codeinterpreter.UploadedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, codeinterpreter.ErrClosed
	}

	contentType := mimetype.Detect(content).String()
	f, err := c.api.Containers.Files.New(ctx, c.containerID, openai.ContainerFileNewParams{
		File: openai.File(bytes.NewReader(content), name, contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, c.checkExpired(err))
	}

	path := f.Path
	if path == "" {
		path = containerDataDir + name
	}
	debug.Log("interpreter", "file uploaded", "container", c.containerID, "file_id", f.ID, "path", path)

	return &codeinterpreter.UploadedFile{Name: name, Path: path, FileID: f.ID}, nil
}

// Run executes code and downloads the files it produced. On error no file
// list is returned.
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
	var before []containerFile
	if c.cfg.DetectNewFiles {
		var err error
		if before, err = c.listFiles(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.api.Responses.New(ctx, c.requestParams(code))
	if err != nil {
		return nil, fmt.Errorf("executing code: %w", c.checkExpired(err))
	}
	if resp.Status == responses.ResponseStatusFailed {
		return nil, fmt.Errorf("executing code: response failed: %s", resp.Error.Message)
	}

	out := parseOutput(resp.Output)
	refs := out.Files
	if c.cfg.DetectNewFiles {
		after, err := c.listFiles(ctx)
		if err != nil {
			return nil, err
		}
		refs = mergeNewFiles(refs, before, after, c.containerID)
	}

	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		p, err := c.download(ctx, ref)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}

	debug.Log("interpreter", "run finished", "container", c.containerID, "files", len(paths), "logs", len(out.Logs))

	return &codeinterpreter.Result{
		Text:  codeinterpreter.ComposeText(out.Logs, out.Text),
		Files: paths,
	}, nil
}

func (c *Client) requestParams(code string) responses.ResponseNewParams {
	prompt := codeinterpreter.ExecutionPrompt(code)
	return responses.ResponseNewParams{
		Model: c.cfg.Model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam{
				responses.ResponseInputItemParamOfMessage(prompt, responses.EasyInputMessageRoleUser),
			},
		},
		Tools: []responses.ToolUnionParam{{
			OfCodeInterpreter: &responses.ToolCodeInterpreterParam{
				Container: responses.ToolCodeInterpreterContainerUnionParam{
					OfString: openai.String(c.containerID),
				},
			},
		}},
		ToolChoice: responses.ResponseNewParamsToolChoiceUnion{
			OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsAuto),
		},
		Include: []responses.ResponseIncludable{
			responses.ResponseIncludableCodeInterpreterCallOutputs,
		},
	}
}

// containerFile is a file listed in the container.
type containerFile struct {
	ID   string
	Path string
}

// ListFiles returns the ids of all files in the container.
func (c *Client) ListFiles(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, codeinterpreter.ErrClosed
	}

	files, err := c.listFiles(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	return ids, nil
}

func (c *Client) listFiles(ctx context.Context) ([]containerFile, error) {
	iter := c.api.Containers.Files.ListAutoPaging(ctx, c.containerID, openai.ContainerFileListParams{
		Limit: openai.Int(listPageSize),
	})
	var files []containerFile
	for iter.Next() {
		f := iter.Current()
		files = append(files, containerFile{ID: f.ID, Path: f.Path})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing container files: %w", c.checkExpired(err))
	}
	return files, nil
}

func (c *Client) download(ctx context.Context, ref fileRef) (string, error) {
	containerID := ref.ContainerID
	if containerID == "" {
		containerID = c.containerID
	}

	resp, err := c.api.Containers.Files.Content.Get(ctx, containerID, ref.FileID)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", ref.FileID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", ref.FileID, err)
	}

	ext := codeinterpreter.GuessExtension(ref.Name, ref.FileID, data)
	return c.files.Save(ref.FileID, ext, data)
}

// checkExpired turns the service's answer for an expired or deleted
// container into codeinterpreter.ErrClosed and marks the client closed.
// Must be called with c.mu held.
func (c *Client) checkExpired(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode != http.StatusNotFound && !strings.Contains(strings.ToLower(apiErr.Message), "expired") {
		return err
	}
	c.closed = true
	slog.Warn("code interpreter container is gone", "container", c.containerID, "status", apiErr.StatusCode)
	return fmt.Errorf("%w: %w", codeinterpreter.ErrClosed, err)
}

// Close deletes the container. Calling Close twice, or after the
// container expired, is a no-op.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.api.Containers.Delete(ctx, c.containerID); err != nil {
		return fmt.Errorf("deleting container %s: %w", c.containerID, err)
	}
	slog.Info("code interpreter container deleted", "container", c.containerID)
	return nil
}
