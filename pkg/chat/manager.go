package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/observability"
	"github.com/rhuss/datachat/pkg/storage"
)

// PromptSource provides the base system prompt. *prompt.Loader
// implements it.
type PromptSource interface {
	Load() (string, error)
}

// Options configures a Manager.
type Options struct {
	Interpreters codeinterpreter.Factory
	Prompts      PromptSource
	Agent        *agent.Agent
	Models       *llm.Catalog
	Checkpoints  storage.CheckpointStore

	// Welcome replaces DefaultWelcome.
	Welcome string

	// IdleTimeout is how long a session may stay unused before Reap
	// closes it. Zero disables reaping.
	IdleTimeout time.Duration
}

// Manager owns all live sessions.
type Manager struct {
	opts Options
	now  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(opts Options) *Manager {
	if opts.Welcome == "" {
		opts.Welcome = DefaultWelcome
	}
	return &Manager{opts: opts, now: time.Now, sessions: make(map[string]*Session)}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Create starts a session owned by the tenant of ctx, with a fresh
// interpreter and the current system prompt.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	sysPrompt, err := m.opts.Prompts.Load()
	if err != nil {
		return nil, err
	}
	it, err := m.opts.Interpreters(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating interpreter: %w", err)
	}

	now := m.now()
	s := &Session{
		ID:           newID(),
		Owner:        storage.GetTenant(ctx),
		ThreadID:     newID(),
		Model:        m.opts.Models.Default(),
		Messages:     []Message{{Role: "assistant", Content: m.opts.Welcome}},
		SystemPrompt: sysPrompt,
		Interpreter:  it,
		CreatedAt:    now,
		LastActive:   now,
		busy:         make(chan struct{}, 1),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	observability.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	slog.Info("session created", "session", s.ID, "owner", s.Owner)
	return s.snapshot(), nil
}

// lookup returns the live session if ctx may see it.
func (m *Manager) lookup(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || !storage.SameTenant(ctx, s.Owner) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) live(s *Session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[s.ID] == s
}

// begin takes the session's token. With wait set it blocks until the
// token is free or ctx is done, otherwise a busy session fails with
// ErrBusy. Sessions deleted meanwhile are reported as not found. The
// caller must call end.
func (m *Manager) begin(ctx context.Context, id string, wait bool) (*Session, error) {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !wait {
		if !s.tryTake() {
			return nil, ErrBusy
		}
	} else {
		select {
		case s.busy <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !m.live(s) {
		m.end(ctx, s)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// end returns the token. A session retired while the token was held is
// released here.
func (m *Manager) end(ctx context.Context, s *Session) {
	s.mu.Lock()
	retired := s.retired
	if !retired {
		<-s.busy
	}
	s.mu.Unlock()
	if !retired {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	m.release(ctx, s)

	s.mu.Lock()
	s.retired = false
	<-s.busy
	s.mu.Unlock()
}

// releaseTimeout bounds cleanup that outlives the request that triggered it.
const releaseTimeout = 30 * time.Second

// Exists reports ErrSessionNotFound unless ctx may see the session. It
// never waits for a running answer.
func (m *Manager) Exists(ctx context.Context, id string) error {
	_, err := m.lookup(ctx, id)
	return err
}

// Get returns a copy of the session.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// List returns the sessions visible to ctx, oldest first.
func (m *Manager) List(ctx context.Context) []*Session {
	m.mu.RLock()
	var live []*Session
	for _, s := range m.sessions {
		if storage.SameTenant(ctx, s.Owner) {
			live = append(live, s)
		}
	}
	m.mu.RUnlock()

	out := make([]*Session, 0, len(live))
	for _, s := range live {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete closes the session's interpreter and drops its transcript. A
// session answering a question disappears at once and is released when
// the answer ends.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !m.remove(s) {
		return ErrSessionNotFound
	}
	m.retire(ctx, s)
	slog.Info("session deleted", "session", id)
	return nil
}

// remove unregisters s and reports whether this call did so.
func (m *Manager) remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.ID] != s {
		return false
	}
	delete(m.sessions, s.ID)
	observability.SessionsActive.Set(float64(len(m.sessions)))
	return true
}

// retire releases a removed session, or leaves that to the token holder.
func (m *Manager) retire(ctx context.Context, s *Session) {
	s.mu.Lock()
	idle := s.tryTake()
	if !idle {
		s.retired = true
	}
	s.mu.Unlock()
	if idle {
		m.release(ctx, s)
		<-s.busy
	}
}

// release closes the interpreter and deletes the thread. Failures are
// logged: the session is gone either way. Must be called with the token.
func (m *Manager) release(ctx context.Context, s *Session) {
	if s.Interpreter != nil {
		if err := s.Interpreter.Close(ctx); err != nil {
			slog.Warn("closing interpreter", "session", s.ID, "error", err)
		}
	}
	if m.opts.Checkpoints != nil {
		ctx = storage.SetTenant(ctx, s.Owner)
		if err := m.opts.Checkpoints.Delete(ctx, s.ThreadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("deleting thread", "session", s.ID, "thread", s.ThreadID, "error", err)
		}
	}
}

// renew replaces an interpreter the backend has dropped. The thread goes
// on but the uploads are forgotten. Must be called with the token.
func (m *Manager) renew(ctx context.Context, s *Session) error {
	sysPrompt, err := m.opts.Prompts.Load()
	if err != nil {
		return err
	}
	it, err := m.opts.Interpreters(ctx)
	if err != nil {
		return fmt.Errorf("creating interpreter: %w", err)
	}
	if err := s.Interpreter.Close(ctx); err != nil {
		debug.Log("sessions", "closing expired interpreter", "session", s.ID, "error", err)
	}

	s.mu.Lock()
	lost := len(s.UploadedFiles)
	s.Interpreter = it
	s.UploadedFiles = nil
	s.SystemPrompt = sysPrompt
	s.mu.Unlock()

	slog.Info("expired interpreter replaced", "session", s.ID, "lost_uploads", lost)
	return nil
}

// Reset clears the conversation: the interpreter is replaced, a new
// thread starts, uploads are forgotten and the system prompt is reloaded.
// It waits for a running answer to end.
func (m *Manager) Reset(ctx context.Context, id string) (*Session, error) {
	s, err := m.begin(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer m.end(ctx, s)

	sysPrompt, err := m.opts.Prompts.Load()
	if err != nil {
		return nil, err
	}
	it, err := m.opts.Interpreters(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating interpreter: %w", err)
	}
	m.release(ctx, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Interpreter = it
	s.ThreadID = newID()
	s.Messages = []Message{{Role: "assistant", Content: m.opts.Welcome}}
	s.UploadedFiles = nil
	s.SystemPrompt = sysPrompt
	s.LastActive = m.now()

	slog.Info("session reset", "session", id, "thread", s.ThreadID)
	return s.snapshot(), nil
}

// Upload sends a CSV file to the session's interpreter and tells the
// agent where to find it. Uploading a name twice is a no-op that returns
// the first upload. An expired interpreter is replaced and the upload
// retried once.
func (m *Manager) Upload(ctx context.Context, id, name string, content []byte) (*codeinterpreter.UploadedFile, error) {
	name = filepath.Base(name)
	if !strings.EqualFold(filepath.Ext(name), ".csv") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, name)
	}

	s, err := m.begin(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer m.end(ctx, s)

	for _, f := range s.UploadedFiles {
		if f.Name == name {
			debug.Log("sessions", "duplicate upload ignored", "session", id, "file", name)
			f := f
			return &f, nil
		}
	}

	up, err := s.Interpreter.UploadFile(ctx, name, content)
	expired := errors.Is(err, codeinterpreter.ErrClosed)
	if expired {
		if err := m.renew(ctx, s); err != nil {
			return nil, err
		}
		up, err = s.Interpreter.UploadFile(ctx, name, content)
	}
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if expired {
		s.Messages = append(s.Messages, Message{Role: "assistant", Content: ExpiredNotice})
	}
	s.UploadedFiles = append(s.UploadedFiles, *up)
	s.SystemPrompt += fmt.Sprintf("\nUploaded file: %s (Code Interpreter path: %s)\n", up.Name, up.Path)
	s.LastActive = m.now()

	slog.Info("file uploaded", "session", id, "file", up.Name, "path", up.Path, "bytes", len(content))
	return up, nil
}

// Ask runs one question through the agent with the chosen model. An empty
// label keeps the session's model. Progress is written to sink, which may
// be nil. The returned message is the assistant's answer. A second
// question while one is answered fails with ErrBusy.
func (m *Manager) Ask(ctx context.Context, id, model, prompt string, sink agent.EventSink) (*Message, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	s, err := m.begin(ctx, id, false)
	if err != nil {
		return nil, err
	}
	defer m.end(ctx, s)

	if model == "" {
		model = s.Model
	}
	chatModel, err := m.opts.Models.Select(model)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.Model = model
	s.Messages = append(s.Messages, Message{Role: "user", Content: prompt})
	s.LastActive = m.now()
	s.mu.Unlock()

	watch := &expiryWatch{Interpreter: s.Interpreter}
	runCtx := codeinterpreter.WithInterpreter(storage.SetTenant(ctx, s.Owner), watch)
	res, runErr := m.opts.Agent.Run(runCtx, chatModel, agent.Input{
		ThreadID: s.ThreadID,
		System:   s.SystemPrompt,
		Prompt:   prompt,
	}, sink)

	renewed := false
	if watch.expired.Load() {
		if err := m.renew(context.WithoutCancel(ctx), s); err != nil {
			slog.Warn("replacing expired interpreter", "session", id, "error", err)
		} else {
			renewed = true
		}
	}
	if runErr != nil {
		return nil, runErr
	}

	reply := Message{Role: "assistant", Content: res.Text}
	if renewed {
		reply.Content += "\n\n" + ExpiredNotice
	}
	s.mu.Lock()
	s.Messages = append(s.Messages, reply)
	s.LastActive = m.now()
	s.mu.Unlock()

	debug.Log("sessions", "question answered", "session", id, "model", model, "turns", res.Turns)
	return &reply, nil
}

// expiryWatch records whether the interpreter reported itself gone
// during a run.
type expiryWatch struct {
	codeinterpreter.Interpreter
	expired atomic.Bool
}

func (w *expiryWatch) Run(ctx context.Context, code string) (*codeinterpreter.Result, error) {
	res, err := w.Interpreter.Run(ctx, code)
	if errors.Is(err, codeinterpreter.ErrClosed) {
		w.expired.Store(true)
	}
	return res, err
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close releases every session. Sessions answering a question are
// released when the answer ends.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	observability.SessionsActive.Set(0)
	m.mu.Unlock()

	for _, s := range sessions {
		m.retire(ctx, s)
	}
}
