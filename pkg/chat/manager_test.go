package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/storage"
	"github.com/rhuss/datachat/pkg/storage/memory"
	"github.com/rhuss/datachat/pkg/tools"
	"github.com/rhuss/datachat/pkg/tools/registry"
)

type fakeInterpreter struct {
	mu        sync.Mutex
	id        int
	uploads   []string
	codes     []string
	closed    bool
	runErr    error
	uploadErr error
}

func (f *fakeInterpreter) UploadFile(_ context.Context, name string, _ []byte) (*codeinterpreter.UploadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, name)
	return &codeinterpreter.UploadedFile{Name: name, Path: "/mnt/data/" + name, FileID: "file-" + name}, nil
}

func (f *fakeInterpreter) Run(_ context.Context, code string) (*codeinterpreter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &codeinterpreter.Result{Text: "42", Files: []string{"./files/plot.png"}}, nil
}

func (f *fakeInterpreter) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInterpreter) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type staticPrompt string

func (p staticPrompt) Load() (string, error) { return string(p), nil }

// replyModel answers every question with a code_interpreter call first and
// then with text.
type replyModel struct {
	mu      sync.Mutex
	systems []string
}

func (m *replyModel) Name() string { return "reply" }

func (m *replyModel) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.systems = append(m.systems, req.System)
	m.mu.Unlock()

	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleUser {
		return &llm.Response{ToolCalls: []tools.ToolCall{{ID: "c1", Name: codeinterpreter.ToolName, Arguments: `{"code":"print(42)"}`}}}, nil
	}
	return &llm.Response{Text: "The answer is 42.\n<img src=\"./files/plot.png\" alt=\"plot\">"}, nil
}

type fixture struct {
	m            *Manager
	interpreters []*fakeInterpreter
	model        *replyModel
	store        *memory.Store
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{model: &replyModel{}, store: memory.New(0), now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

	reg := registry.New()
	fs, err := codeinterpreter.NewFileStore(t.TempDir())
	require.NoError(t, err)
	reg.Register(codeinterpreter.NewProvider(fs, 0))

	catalog := llm.NewCatalog()
	catalog.Add("Reply", f.model)
	catalog.Add("Other", &replyModel{})

	f.m = NewManager(Options{
		Interpreters: func(context.Context) (codeinterpreter.Interpreter, error) {
			it := &fakeInterpreter{id: len(f.interpreters)}
			f.interpreters = append(f.interpreters, it)
			return it, nil
		},
		Prompts:     staticPrompt("You analyze data."),
		Agent:       agent.New(tools.Executors{reg}, f.store, agent.Config{}),
		Models:      catalog,
		Checkpoints: f.store,
		IdleTimeout: 30 * time.Minute,
	})
	f.m.now = func() time.Time { return f.now }
	return f
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	s, err := f.m.Create(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.NotEqual(t, s.ID, s.ThreadID)
	assert.Equal(t, "Reply", s.Model)
	assert.Equal(t, []Message{{Role: "assistant", Content: DefaultWelcome}}, s.Messages)
	assert.Equal(t, "You analyze data.", s.SystemPrompt)
	assert.Len(t, f.interpreters, 1)
	assert.Equal(t, 1, f.m.Len())

	other, err := f.m.Create(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestCreate_InterpreterError(t *testing.T) {
	f := newFixture(t)
	f.m.opts.Interpreters = func(context.Context) (codeinterpreter.Interpreter, error) {
		return nil, codeinterpreter.ErrCapacity
	}
	_, err := f.m.Create(context.Background())
	assert.ErrorIs(t, err, codeinterpreter.ErrCapacity)
	assert.Zero(t, f.m.Len())
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)

	up, err := f.m.Upload(ctx, s.ID, "sales.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data/sales.csv", up.Path)

	// Same name again is a no-op.
	again, err := f.m.Upload(ctx, s.ID, "sales.csv", []byte("other"))
	require.NoError(t, err)
	assert.Equal(t, up, again)
	assert.Equal(t, []string{"sales.csv"}, f.interpreters[0].uploads)

	got, err := f.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.HasFile("sales.csv"))
	assert.Equal(t, "You analyze data.\nUploaded file: sales.csv (Code Interpreter path: /mnt/data/sales.csv)\n", got.SystemPrompt)
}

func TestUpload_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)

	for _, name := range []string{"data.xlsx", "notes.txt", "csv"} {
		_, err := f.m.Upload(ctx, s.ID, name, nil)
		assert.ErrorIs(t, err, ErrUnsupportedFile, name)
	}
	_, err := f.m.Upload(ctx, "missing", "a.csv", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Upper-case extensions and directories in the name are fine.
	up, err := f.m.Upload(ctx, s.ID, "../x/REPORT.CSV", nil)
	require.NoError(t, err)
	assert.Equal(t, "REPORT.CSV", up.Name)
}

func TestAsk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)
	f.m.Upload(ctx, s.ID, "sales.csv", nil)

	var events []agent.EventType
	sink := agent.SinkFunc(func(_ context.Context, ev agent.Event) error {
		events = append(events, ev.Type)
		return nil
	})

	reply, err := f.m.Ask(ctx, s.ID, "", "What is the answer?", sink)
	require.NoError(t, err)
	assert.Equal(t, "assistant", reply.Role)
	assert.Contains(t, reply.Content, "The answer is 42.")

	// The tool ran on this session's interpreter.
	assert.Equal(t, []string{"print(42)"}, f.interpreters[0].codes)
	assert.Contains(t, events, agent.EventToolResult)
	assert.Contains(t, f.model.systems[0], "Uploaded file: sales.csv")

	got, _ := f.m.Get(ctx, s.ID)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, Message{Role: "user", Content: "What is the answer?"}, got.Messages[1])

	saved, err := f.store.Load(ctx, s.ThreadID)
	require.NoError(t, err)
	assert.Len(t, saved, 4)
}

func TestAsk_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)

	_, err := f.m.Ask(ctx, s.ID, "", "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = f.m.Ask(ctx, s.ID, "GPT-9", "hi", nil)
	assert.ErrorIs(t, err, llm.ErrUnknownModel)

	_, err = f.m.Ask(ctx, "missing", "", "hi", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAsk_SwitchesModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)

	_, err := f.m.Ask(ctx, s.ID, "Other", "hi", nil)
	require.NoError(t, err)
	got, _ := f.m.Get(ctx, s.ID)
	assert.Equal(t, "Other", got.Model)
	assert.Empty(t, f.model.systems)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)
	f.m.Upload(ctx, s.ID, "sales.csv", nil)
	_, err := f.m.Ask(ctx, s.ID, "", "q", nil)
	require.NoError(t, err)

	r, err := f.m.Reset(ctx, s.ID)
	require.NoError(t, err)

	assert.Equal(t, s.ID, r.ID)
	assert.NotEqual(t, s.ThreadID, r.ThreadID)
	assert.Equal(t, []Message{{Role: "assistant", Content: DefaultWelcome}}, r.Messages)
	assert.Empty(t, r.UploadedFiles)
	assert.Equal(t, "You analyze data.", r.SystemPrompt)

	require.Len(t, f.interpreters, 2)
	assert.True(t, f.interpreters[0].closed)
	assert.False(t, f.interpreters[1].closed)

	old, _ := f.store.Load(ctx, s.ThreadID)
	assert.Empty(t, old)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)

	require.NoError(t, f.m.Delete(ctx, s.ID))
	assert.True(t, f.interpreters[0].closed)
	assert.ErrorIs(t, f.m.Delete(ctx, s.ID), ErrSessionNotFound)
	_, err := f.m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOwnership(t *testing.T) {
	f := newFixture(t)
	alice := storage.SetTenant(context.Background(), "alice")
	bob := storage.SetTenant(context.Background(), "bob")

	s, err := f.m.Create(alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Owner)

	_, err = f.m.Get(bob, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.m.Ask(bob, s.ID, "", "hi", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.m.Delete(bob, s.ID), ErrSessionNotFound)

	assert.Len(t, f.m.List(alice), 1)
	assert.Empty(t, f.m.List(bob))

	_, err = f.m.Ask(alice, s.ID, "", "hi", nil)
	require.NoError(t, err)
	saved, err := f.store.Load(alice, s.ThreadID)
	require.NoError(t, err)
	assert.NotEmpty(t, saved)
}

func TestReap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale, _ := f.m.Create(ctx)
	f.now = f.now.Add(20 * time.Minute)
	fresh, _ := f.m.Create(ctx)

	f.now = f.now.Add(15 * time.Minute)
	assert.Equal(t, 1, f.m.Reap(ctx))

	_, err := f.m.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.m.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	assert.True(t, f.interpreters[0].closed)
	assert.False(t, f.interpreters[1].closed)
}

func TestReap_Disabled(t *testing.T) {
	f := newFixture(t)
	f.m.opts.IdleTimeout = 0
	f.m.Create(context.Background())
	f.now = f.now.Add(24 * time.Hour)
	assert.Zero(t, f.m.Reap(context.Background()))
}

func TestStartReaper(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.StartReaper("not a schedule")
	assert.Error(t, err)

	c, err := f.m.StartReaper("")
	require.NoError(t, err)
	c.Stop()
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.m.Create(ctx)
	f.m.Create(ctx)

	f.m.Close(ctx)
	assert.Zero(t, f.m.Len())
	for _, it := range f.interpreters {
		assert.True(t, it.closed)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	f := newFixture(t)
	s, _ := f.m.Create(context.Background())
	s.Messages[0].Content = "changed"

	got, _ := f.m.Get(context.Background(), s.ID)
	assert.Equal(t, DefaultWelcome, got.Messages[0].Content)
}

func TestAsk_AgentErrorKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)
	f.m.opts.Models.Add("Broken", failingModel{})

	_, err := f.m.Ask(ctx, s.ID, "Broken", "hi", nil)
	require.Error(t, err)

	got, err := f.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
}

type failingModel struct{}

func (failingModel) Name() string { return "broken" }
func (failingModel) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errors.New("upstream down")
}

// blockingModel waits until its context ends.
type blockingModel struct{ started chan struct{} }

func (blockingModel) Name() string { return "blocking" }

func (m blockingModel) Complete(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	close(m.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

// startBlockingAsk runs a question that blocks until cancel is called.
func startBlockingAsk(t *testing.T, f *fixture, id string) (cancel func(), errc <-chan error) {
	t.Helper()
	started := make(chan struct{})
	f.m.opts.Models.Add("Blocking", blockingModel{started: started})

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() {
		_, err := f.m.Ask(ctx, id, "Blocking", "wait", nil)
		ch <- err
	}()
	<-started
	return cancel, ch
}

func TestAsk_BusySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)
	cancel, errc := startBlockingAsk(t, f, s.ID)

	got, err := f.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, Message{Role: "user", Content: "wait"}, got.Messages[len(got.Messages)-1])
	assert.Len(t, f.m.List(ctx), 1)
	assert.NoError(t, f.m.Exists(ctx, s.ID))

	_, err = f.m.Ask(ctx, s.ID, "", "again", nil)
	assert.ErrorIs(t, err, ErrBusy)

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	_, err = f.m.Upload(short, s.ID, "a.csv", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = f.m.Reset(short, s.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	_, err = f.m.Ask(ctx, s.ID, "Reply", "again", nil)
	assert.NoError(t, err)
}

func TestDelete_DuringAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)
	cancel, errc := startBlockingAsk(t, f, s.ID)

	require.NoError(t, f.m.Delete(ctx, s.ID))
	assert.ErrorIs(t, f.m.Exists(ctx, s.ID), ErrSessionNotFound)
	assert.Zero(t, f.m.Len())
	assert.False(t, f.interpreters[0].isClosed(), "the running answer still uses the interpreter")

	cancel()
	<-errc
	assert.True(t, f.interpreters[0].isClosed(), "released when the answer ends")
}

func TestUpload_ExpiredInterpreter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)
	_, err := f.m.Upload(ctx, s.ID, "old.csv", nil)
	require.NoError(t, err)
	f.interpreters[0].uploadErr = fmt.Errorf("uploading: %w", codeinterpreter.ErrClosed)

	up, err := f.m.Upload(ctx, s.ID, "new.csv", nil)
	require.NoError(t, err)

	require.Len(t, f.interpreters, 2)
	assert.True(t, f.interpreters[0].isClosed())
	assert.Equal(t, []string{"new.csv"}, f.interpreters[1].uploads)

	got, err := f.m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ThreadID, got.ThreadID, "the conversation goes on")
	assert.Equal(t, []codeinterpreter.UploadedFile{*up}, got.UploadedFiles)
	assert.NotContains(t, got.SystemPrompt, "old.csv")
	assert.Equal(t, Message{Role: "assistant", Content: ExpiredNotice}, got.Messages[len(got.Messages)-1])
}

func TestAsk_ExpiredInterpreter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.m.Create(ctx)
	_, err := f.m.Upload(ctx, s.ID, "sales.csv", nil)
	require.NoError(t, err)
	f.interpreters[0].runErr = fmt.Errorf("executing code: %w", codeinterpreter.ErrClosed)

	reply, err := f.m.Ask(ctx, s.ID, "", "q", nil)
	require.NoError(t, err)
	assert.Contains(t, reply.Content, ExpiredNotice)

	require.Len(t, f.interpreters, 2)
	got, _ := f.m.Get(ctx, s.ID)
	assert.Empty(t, got.UploadedFiles)
	assert.Equal(t, "You analyze data.", got.SystemPrompt)
	assert.Same(t, f.interpreters[1], got.Interpreter)

	_, err = f.m.Ask(ctx, s.ID, "", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"print(42)"}, f.interpreters[1].codes)
}
