package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/debug"
)

const backendName = "sandbox"

// Config configures the sandbox backend.
type Config struct {
	// ContainerName is reported to the server for diagnostics.
	ContainerName string

	// TimeoutSeconds bounds a single execution on the server side.
	TimeoutSeconds int

	// HTTPClient defaults to a client with a two minute timeout.
	HTTPClient *http.Client
}

var _ codeinterpreter.Interpreter = (*Client)(nil)

// Client is an interpreter backed by one container on a sandbox server.
type Client struct {
	http    *http.Client
	baseURL string
	release func()
	cfg     Config
	files   *codeinterpreter.FileStore

	mu          sync.Mutex
	containerID string
	closed      bool
}

// New acquires a sandbox and creates a container on it.
func New(ctx context.Context, acq Acquirer, cfg Config, store *codeinterpreter.FileStore) (*Client, error) {
	if cfg.ContainerName == "" {
		cfg.ContainerName = "datachat-session"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if store == nil {
		var err error
		if store, err = codeinterpreter.NewFileStore(""); err != nil {
			return nil, err
		}
	}

	baseURL, release, err := acq.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring sandbox: %w", err)
	}

	c := &Client{
		http:    httpClient,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		release: release,
		cfg:     cfg,
		files:   store,
	}

	var container Container
	if err := c.doJSON(ctx, http.MethodPost, "/containers", map[string]string{"name": cfg.ContainerName}, &container); err != nil {
		release()
		return nil, fmt.Errorf("creating container: %w", err)
	}
	c.containerID = container.ID

	slog.Info("sandbox container created", "container", c.containerID, "sandbox", c.baseURL)
	return c, nil
}

// NewFactory returns a factory acquiring one sandbox container per
// interpreter.
func NewFactory(acq Acquirer, cfg Config, store *codeinterpreter.FileStore) codeinterpreter.Factory {
	return func(ctx context.Context) (codeinterpreter.Interpreter, error) {
		return New(ctx, acq, cfg, store)
	}
}

// ContainerID returns the id of the server-side container.
func (c *Client) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerID
}

func (c *Client) UploadFile(ctx context.Context, name string, content []byte) (*codeinterpreter.UploadedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, codeinterpreter.ErrClosed
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.containerURL("/files"), &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var f File
	if err := c.do(req, &f); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}
	return &codeinterpreter.UploadedFile{Name: name, Path: f.Path, FileID: f.ID}, nil
}

// Run executes code and downloads the files that appeared in the container
// during the execution. A non-zero exit is reported in the text, not as an
// error, so the model can react to tracebacks.
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
	before, err := c.listFiles(ctx)
	if err != nil {
		return nil, err
	}

	var result ExecuteResponse
	req := ExecuteRequest{Code: code, TimeoutSeconds: c.cfg.TimeoutSeconds}
	if err := c.doJSON(ctx, http.MethodPost, c.containerPath("/execute"), req, &result); err != nil {
		return nil, fmt.Errorf("executing code: %w", err)
	}
	debug.Log("interpreter", "sandbox execution", "container", c.containerID,
		"status", result.Status, "exit_code", result.ExitCode, "duration_ms", result.ExecutionTimeMs)

	after, err := c.listFiles(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(after))
	afterIDs := make([]string, len(after))
	for i, f := range after {
		afterIDs[i] = f.ID
		names[f.ID] = f.Path
	}
	beforeIDs := make([]string, len(before))
	for i, f := range before {
		beforeIDs[i] = f.ID
	}

	var paths []string
	for _, id := range codeinterpreter.NewFileIDs(beforeIDs, afterIDs) {
		p, err := c.download(ctx, id, names[id])
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}

	return &codeinterpreter.Result{Text: executionText(&result), Files: paths}, nil
}

// executionText combines the process output with the exit status.
func executionText(r *ExecuteResponse) string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString(r.Stderr)
	}
	out := strings.TrimSpace(b.String())
	if r.Status != StatusSuccess {
		status := fmt.Sprintf("[%s, exit code %d]", r.Status, r.ExitCode)
		if out == "" {
			return status
		}
		return out + "\n" + status
	}
	return out
}

func (c *Client) listFiles(ctx context.Context) ([]File, error) {
	var list FileList
	if err := c.doJSON(ctx, http.MethodGet, c.containerPath("/files"), nil, &list); err != nil {
		return nil, fmt.Errorf("listing container files: %w", err)
	}
	return list.Data, nil
}

func (c *Client) download(ctx context.Context, fileID, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.containerURL("/files/"+url.PathEscape(fileID)+"/content"), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fileID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: %w", fileID, statusError(resp.StatusCode, data))
	}

	return c.files.Save(fileID, codeinterpreter.GuessExtension(name, fileID, data), data)
}

// Close deletes the container and releases the sandbox.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.release()

	if err := c.doJSON(ctx, http.MethodDelete, c.containerPath(""), nil, nil); err != nil {
		return fmt.Errorf("deleting container %s: %w", c.containerID, err)
	}
	slog.Info("sandbox container deleted", "container", c.containerID)
	return nil
}

func (c *Client) containerPath(suffix string) string {
	return "/containers/" + url.PathEscape(c.containerID) + suffix
}

func (c *Client) containerURL(suffix string) string {
	return c.baseURL + c.containerPath(suffix)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	if status == http.StatusTooManyRequests {
		return codeinterpreter.ErrCapacity
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		return fmt.Errorf("sandbox returned HTTP %d: %s", status, eb.Error)
	}
	return fmt.Errorf("sandbox returned HTTP %d: %s", status, strings.TrimSpace(string(body)))
}
