package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rhuss/datachat/pkg/debug"
)

const (
	defaultTimeoutSeconds = 30
	maxUploadBytes        = 64 << 20
)

// Runner executes code inside dir.
type Runner interface {
	Run(ctx context.Context, dir, code string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner runs code with an interpreter binary, by default python3.
type ExecRunner struct {
	Command []string
}

func (r ExecRunner) Run(ctx context.Context, dir, code string) (string, string, int, error) {
	command := r.Command
	if len(command) == 0 {
		command = []string{"python3"}
	}

	script, err := os.CreateTemp("", "sandbox-*.py")
	if err != nil {
		return "", "", -1, fmt.Errorf("create script: %w", err)
	}
	defer os.Remove(script.Name())
	if _, err := script.WriteString(code); err != nil {
		script.Close()
		return "", "", -1, fmt.Errorf("write script: %w", err)
	}
	script.Close()

	args := append(append([]string(nil), command[1:]...), script.Name())
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "OUTPUT_DIR="+dir, "MPLBACKEND=Agg")

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return stdout.String(), stderr.String(), 0, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	default:
		return stdout.String(), stderr.String(), -1, err
	}
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Root holds one working directory per container.
	Root string

	// MaxConcurrent executions before answering 429.
	MaxConcurrent int

	Runner Runner
}

type serverFile struct {
	File
	rel string
}

type container struct {
	Container
	dir string

	mu    sync.Mutex
	files map[string]*serverFile // by relative path
}

// Server emulates the container API on the local machine.
type Server struct {
	root          string
	runner        Runner
	maxConcurrent int32
	load          atomic.Int32
	started       time.Time

	mu         sync.Mutex
	containers map[string]*container
}

// NewServer creates the root directory and returns a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "datachat-sandbox")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	return &Server{
		root:          cfg.Root,
		runner:        cfg.Runner,
		maxConcurrent: int32(cfg.MaxConcurrent),
		started:       time.Now(),
		containers:    make(map[string]*container),
	}, nil
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /containers", s.handleCreate)
	mux.HandleFunc("GET /containers/{id}", s.handleGet)
	mux.HandleFunc("DELETE /containers/{id}", s.handleDelete)
	mux.HandleFunc("POST /containers/{id}/files", s.handleUpload)
	mux.HandleFunc("GET /containers/{id}/files", s.handleList)
	mux.HandleFunc("GET /containers/{id}/files/{fid}/content", s.handleContent)
	mux.HandleFunc("POST /containers/{id}/execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
	}

	id := newID("cntr_")
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create container dir: "+err.Error())
		return
	}

	now := time.Now().Unix()
	c := &container{
		Container: Container{ID: id, Name: req.Name, CreatedAt: now, LastActiveAt: now},
		dir:       dir,
		files:     make(map[string]*serverFile),
	}
	s.mu.Lock()
	s.containers[id] = c
	s.mu.Unlock()

	slog.Info("container created", "id", id, "name", req.Name)
	writeJSON(w, http.StatusOK, c.Container)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *container {
	s.mu.Lock()
	c, ok := s.containers[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "container not found")
		return nil
	}
	c.mu.Lock()
	c.LastActiveAt = time.Now().Unix()
	c.mu.Unlock()
	return c
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if c := s.lookup(w, r); c != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		writeJSON(w, http.StatusOK, c.Container)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	c := s.lookup(w, r)
	if c == nil {
		return
	}
	s.remove(c)
	writeJSON(w, http.StatusOK, map[string]any{"id": c.ID, "deleted": true})
}

func (s *Server) remove(c *container) {
	s.mu.Lock()
	delete(s.containers, c.ID)
	s.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		slog.Warn("removing container dir failed", "id", c.ID, "error", err)
	}
	slog.Info("container deleted", "id", c.ID)
}

// Reap deletes containers idle for longer than maxIdle and returns how many
// were removed.
func (s *Server) Reap(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle).Unix()
	var idle []*container
	s.mu.Lock()
	for _, c := range s.containers {
		c.mu.Lock()
		if c.LastActiveAt < cutoff {
			idle = append(idle, c)
		}
		c.mu.Unlock()
	}
	s.mu.Unlock()

	for _, c := range idle {
		s.remove(c)
	}
	return len(idle)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	c := s.lookup(w, r)
	if c == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	src, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file: "+err.Error())
		return
	}
	defer src.Close()

	name := filepath.Base(hdr.Filename)
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid file name %q", hdr.Filename))
		return
	}

	dst, err := os.Create(filepath.Join(c.dir, name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create file: "+err.Error())
		return
	}
	n, err := io.Copy(dst, src)
	dst.Close()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write file: "+err.Error())
		return
	}

	c.mu.Lock()
	f := c.track(name, n, "user")
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, f.File)
}

// track registers rel, keeping the id of a file seen before.
func (c *container) track(rel string, size int64, source string) *serverFile {
	if f, ok := c.files[rel]; ok {
		f.Bytes = size
		return f
	}
	f := &serverFile{
		File: File{
			ID:          newID("cfile_"),
			ContainerID: c.ID,
			Path:        filepath.ToSlash(filepath.Join(c.dir, rel)),
			Bytes:       size,
			CreatedAt:   time.Now().Unix(),
			Source:      source,
		},
		rel: rel,
	}
	c.files[rel] = f
	return f
}

// scan registers files written by executed code and forgets deleted ones.
func (c *container) scan() error {
	present := make(map[string]bool)
	err := filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != c.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(c.dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		present[rel] = true
		c.track(rel, info.Size(), "assistant")
		return nil
	})
	if err != nil {
		return err
	}
	for rel := range c.files {
		if !present[rel] {
			delete(c.files, rel)
		}
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	c := s.lookup(w, r)
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.scan(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to scan files: "+err.Error())
		return
	}

	list := FileList{Data: make([]File, 0, len(c.files))}
	for _, f := range c.files {
		list.Data = append(list.Data, f.File)
	}
	sort.Slice(list.Data, func(i, j int) bool {
		if list.Data[i].CreatedAt != list.Data[j].CreatedAt {
			return list.Data[i].CreatedAt < list.Data[j].CreatedAt
		}
		return list.Data[i].Path < list.Data[j].Path
	})
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	c := s.lookup(w, r)
	if c == nil {
		return
	}

	fid := r.PathValue("fid")
	var rel string
	c.mu.Lock()
	for _, f := range c.files {
		if f.ID == fid {
			rel = f.rel
			break
		}
	}
	c.mu.Unlock()
	if rel == "" {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	http.ServeFile(w, r, filepath.Join(c.dir, rel))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := s.load.Add(1)
	defer s.load.Add(-1)
	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	c := s.lookup(w, r)
	if c == nil {
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = defaultTimeoutSeconds
	}

	slog.Info("execute request", "container", c.ID, "code", debug.Truncate(req.Code, 120), "timeout", req.TimeoutSeconds)

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.TimeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := s.runner.Run(ctx, c.dir, req.Code)
	resp := ExecuteResponse{
		Status:          StatusSuccess,
		Stdout:          stdout,
		Stderr:          stderr,
		ExitCode:        exitCode,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		resp.Status = StatusTimeout
		resp.ExitCode = -1
		if resp.Stderr == "" {
			resp.Stderr = fmt.Sprintf("execution timed out after %d seconds", req.TimeoutSeconds)
		}
	case err != nil:
		resp.Status = StatusError
		if resp.Stderr == "" {
			resp.Stderr = err.Error()
		}
	case exitCode != 0:
		resp.Status = StatusError
	}

	slog.Info("execute complete", "container", c.ID, "status", resp.Status,
		"exit_code", resp.ExitCode, "duration_ms", resp.ExecutionTimeMs, "stdout_len", len(resp.Stdout))
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status      string `json:"status"`
	Containers  int    `json:"containers"`
	Capacity    int    `json:"capacity"`
	CurrentLoad int    `json:"current_load"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.containers)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Containers:  n,
		Capacity:    int(s.maxConcurrent),
		CurrentLoad: int(s.load.Load()),
		UptimeSecs:  int64(time.Since(s.started).Seconds()),
	})
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}
