package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/api"
	"github.com/rhuss/datachat/pkg/auth"
	"github.com/rhuss/datachat/pkg/chat"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/storage/memory"
	"github.com/rhuss/datachat/pkg/tools"
	"github.com/rhuss/datachat/pkg/tools/registry"
)

type fakeInterpreter struct {
	mu      sync.Mutex
	uploads []string
}

func (f *fakeInterpreter) UploadFile(_ context.Context, name string, _ []byte) (*codeinterpreter.UploadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, name)
	return &codeinterpreter.UploadedFile{Name: name, Path: "/mnt/data/" + name, FileID: "file-" + name}, nil
}

func (f *fakeInterpreter) Run(context.Context, string) (*codeinterpreter.Result, error) {
	return &codeinterpreter.Result{Text: "42", Files: []string{"./files/plot.png"}}, nil
}

func (f *fakeInterpreter) Close(context.Context) error { return nil }

type staticPrompt string

func (p staticPrompt) Load() (string, error) { return string(p), nil }

// chartModel runs code once, then answers with a chart.
type chartModel struct{}

func (chartModel) Name() string { return "chart" }

func (chartModel) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	if req.Messages[len(req.Messages)-1].Role == llm.RoleUser {
		return &llm.Response{ToolCalls: []tools.ToolCall{{ID: "c1", Name: codeinterpreter.ToolName, Arguments: `{"code":"print(42)"}`}}}, nil
	}
	return &llm.Response{Text: "The answer is **42**.\n<img src=\"./files/plot.png\" alt=\"plot\">"}, nil
}

// blockingModel waits until its context ends.
type blockingModel struct{ started chan struct{} }

func (blockingModel) Name() string { return "blocking" }

func (m blockingModel) Complete(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	close(m.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	handler  *Handler
	files    *codeinterpreter.FileStore
	sessions *chat.Manager
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	fs, err := codeinterpreter.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	reg.Register(codeinterpreter.NewProvider(fs, 0))

	catalog := llm.NewCatalog()
	catalog.Add("Chart", chartModel{})
	catalog.Add("Other", chartModel{})

	store := memory.New(0)
	sessions := chat.NewManager(chat.Options{
		Interpreters: func(context.Context) (codeinterpreter.Interpreter, error) { return &fakeInterpreter{}, nil },
		Prompts:      staticPrompt("You analyze data."),
		Agent:        agent.New(tools.Executors{reg}, store, agent.Config{}),
		Models:       catalog,
		Checkpoints:  store,
	})

	opts := Options{
		Sessions:    sessions,
		Models:      catalog,
		Routes:      reg.Routes(),
		MetricsPath: "/metrics",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{handler: NewHandler(opts), files: fs, sessions: opts.Sessions}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createSession(t *testing.T) api.Session {
	t.Helper()
	rec := f.do(t, "POST", "/api/sessions", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body)
	}
	var s api.Session
	decode(t, rec, &s)
	return s
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorType {
	t.Helper()
	var body api.ErrorResponse
	decode(t, rec, &body)
	if body.Error == nil {
		t.Fatalf("no error in body %q", rec.Body)
	}
	return body.Error.Type
}

func multipartBody(t *testing.T, name, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	s := f.createSession(t)

	if s.ID == "" || s.Model != "Chart" {
		t.Errorf("session = %+v", s)
	}
	if len(s.Messages) != 1 || s.Messages[0].Role != "assistant" || s.Messages[0].Content != chat.DefaultWelcome {
		t.Errorf("messages = %+v", s.Messages)
	}

	rec := f.do(t, "GET", "/api/sessions/"+s.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	rec = f.do(t, "GET", "/api/sessions", nil, nil)
	var list api.SessionList
	decode(t, rec, &list)
	if len(list.Data) != 1 || list.Data[0].ID != s.ID {
		t.Errorf("list = %+v", list)
	}

	if rec := f.do(t, "DELETE", "/api/sessions/"+s.ID, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = f.do(t, "GET", "/api/sessions/"+s.ID, nil, nil)
	if rec.Code != http.StatusNotFound || errorType(t, rec) != api.ErrorTypeNotFound {
		t.Errorf("get after delete: status = %d", rec.Code)
	}
	if rec := f.do(t, "DELETE", "/api/sessions/"+s.ID, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d", rec.Code)
	}
}

func TestUploadFile(t *testing.T) {
	f := newFixture(t, nil)
	s := f.createSession(t)

	body, ct := multipartBody(t, "sales.csv", "region,amount\nnorth,10\n")
	rec := f.do(t, "POST", "/api/sessions/"+s.ID+"/files", body, map[string]string{"Content-Type": ct})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var file api.File
	decode(t, rec, &file)
	if file.Name != "sales.csv" || file.Path != "/mnt/data/sales.csv" {
		t.Errorf("file = %+v", file)
	}

	body, ct = multipartBody(t, "sales.xlsx", "binary")
	rec = f.do(t, "POST", "/api/sessions/"+s.ID+"/files", body, map[string]string{"Content-Type": ct})
	if rec.Code != http.StatusUnsupportedMediaType || errorType(t, rec) != api.ErrorTypeUnsupportedFile {
		t.Errorf("xlsx: status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = f.do(t, "POST", "/api/sessions/"+s.ID+"/files", strings.NewReader("x"), map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("not multipart: status = %d", rec.Code)
	}

	rec = f.do(t, "GET", "/api/sessions/"+s.ID, nil, nil)
	var got api.Session
	decode(t, rec, &got)
	if len(got.Files) != 1 || got.Files[0].Name != "sales.csv" {
		t.Errorf("files = %+v", got.Files)
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxUploadBytes = 64 })
	s := f.createSession(t)

	body, ct := multipartBody(t, "big.csv", strings.Repeat("a,b\n", 100))
	rec := f.do(t, "POST", "/api/sessions/"+s.ID+"/files", body, map[string]string{"Content-Type": ct})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAskJSON(t *testing.T) {
	f := newFixture(t, nil)
	s := f.createSession(t)

	rec := f.do(t, "POST", "/api/sessions/"+s.ID+"/messages", strings.NewReader(`{"content":"What is the answer?"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp api.AskResponse
	decode(t, rec, &resp)

	if resp.Message.Role != "assistant" {
		t.Errorf("role = %q", resp.Message.Role)
	}
	if !strings.Contains(resp.Message.HTML, "<strong>42</strong>") {
		t.Errorf("html = %q", resp.Message.HTML)
	}
	if strings.Contains(resp.Message.HTML, "<img") {
		t.Errorf("image tag left in html: %q", resp.Message.HTML)
	}
	if len(resp.Message.Images) != 1 || resp.Message.Images[0] != "/files/plot.png" {
		t.Errorf("images = %v", resp.Message.Images)
	}

	rec = f.do(t, "GET", "/api/sessions/"+s.ID, nil, nil)
	var got api.Session
	decode(t, rec, &got)
	if len(got.Messages) != 3 || got.Messages[1].Content != "What is the answer?" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestAskErrors(t *testing.T) {
	f := newFixture(t, nil)
	s := f.createSession(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantType   api.ErrorType
	}{
		{"bad json", "/api/sessions/" + s.ID + "/messages", `{`, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"empty content", "/api/sessions/" + s.ID + "/messages", `{"content":"  "}`, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"unknown model", "/api/sessions/" + s.ID + "/messages", `{"model":"Nope","content":"hi"}`, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"unknown session", "/api/sessions/missing/messages", `{"content":"hi"}`, http.StatusNotFound, api.ErrorTypeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, "POST", tt.path, strings.NewReader(tt.body), map[string]string{"Accept": "text/event-stream"})
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if got := errorType(t, rec); got != tt.wantType {
				t.Errorf("type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestAskStream(t *testing.T) {
	f := newFixture(t, nil)
	s := f.createSession(t)

	rec := f.do(t, "POST", "/api/sessions/"+s.ID+"/messages",
		strings.NewReader(`{"model":"Other","content":"Plot it"}`),
		map[string]string{"Accept": "text/event-stream"})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"event: turn_started\n",
		"event: tool_call\n",
		`"tool":"code_interpreter"`,
		"event: tool_result\n",
		"event: message\n",
		"event: done\n",
		`"/files/plot.png"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with [DONE]:\n%s", body)
	}
	if strings.Index(body, "event: tool_call") > strings.Index(body, "event: done") {
		t.Error("done sent before tool call")
	}

	got, err := f.sessions.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "Other" {
		t.Errorf("model = %q, want Other", got.Model)
	}
}

func TestAskStreamError(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(o *Options) {
		o.Models.Add("Blocking", blockingModel{started: started})
	})
	s := f.createSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/api/sessions/"+s.ID+"/messages",
		strings.NewReader(`{"model":"Blocking","content":"wait"}`)).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()

	finished := make(chan struct{})
	go func() {
		f.handler.ServeHTTP(rec, req)
		close(finished)
	}()

	<-started
	cancel()
	<-finished

	body := rec.Body.String()
	if !strings.Contains(body, "event: error\n") || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream = %q", body)
	}
}

func TestCancelAnswer(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(o *Options) {
		o.Models.Add("Blocking", blockingModel{started: started})
	})
	s := f.createSession(t)

	if rec := f.do(t, "DELETE", "/api/sessions/"+s.ID+"/messages", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel with nothing running: status = %d", rec.Code)
	}

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- f.do(t, "POST", "/api/sessions/"+s.ID+"/messages", strings.NewReader(`{"model":"Blocking","content":"wait"}`), nil)
	}()
	<-started

	if rec := f.do(t, "DELETE", "/api/sessions/"+s.ID+"/messages", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: status = %d", rec.Code)
	}
	if rec := <-done; rec.Code == http.StatusOK {
		t.Errorf("canceled answer returned 200: %s", rec.Body)
	}
}

// within fails the test when fn does not return in time.
func within(t *testing.T, d time.Duration, what string, fn func() *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	ch := make(chan *httptest.ResponseRecorder, 1)
	go func() { ch <- fn() }()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(d):
		t.Fatalf("%s still blocked after %s", what, d)
		return nil
	}
}

func TestSessionUsableDuringAnswer(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(o *Options) {
		o.Models.Add("Blocking", blockingModel{started: started})
	})
	s := f.createSession(t)
	base := "/api/sessions/" + s.ID

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- f.do(t, "POST", base+"/messages", strings.NewReader(`{"model":"Blocking","content":"wait"}`), nil)
	}()
	<-started

	rec := within(t, 2*time.Second, "GET session", func() *httptest.ResponseRecorder {
		return f.do(t, "GET", base, nil, nil)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	var got api.Session
	decode(t, rec, &got)
	if n := len(got.Messages); n != 2 || got.Messages[1].Content != "wait" {
		t.Errorf("messages during answer = %+v", got.Messages)
	}

	rec = within(t, 2*time.Second, "list sessions", func() *httptest.ResponseRecorder {
		return f.do(t, "GET", "/api/sessions", nil, nil)
	})
	if rec.Code != http.StatusOK {
		t.Errorf("list: status = %d", rec.Code)
	}

	rec = within(t, 2*time.Second, "second question", func() *httptest.ResponseRecorder {
		return f.do(t, "POST", base+"/messages", strings.NewReader(`{"content":"again"}`), nil)
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("second question: status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = within(t, 2*time.Second, "cancel", func() *httptest.ResponseRecorder {
		return f.do(t, "DELETE", base+"/messages", nil, nil)
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: status = %d", rec.Code)
	}
	if rec := <-done; rec.Code == http.StatusOK {
		t.Errorf("canceled answer returned 200: %s", rec.Body)
	}

	rec = f.do(t, "POST", base+"/messages", strings.NewReader(`{"model":"Chart","content":"now"}`), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("question after cancel: status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestDeleteSessionDuringAnswer(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(o *Options) {
		o.Models.Add("Blocking", blockingModel{started: started})
	})
	s := f.createSession(t)
	base := "/api/sessions/" + s.ID

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- f.do(t, "POST", base+"/messages", strings.NewReader(`{"model":"Blocking","content":"wait"}`), nil)
	}()
	<-started

	rec := within(t, 2*time.Second, "DELETE session", func() *httptest.ResponseRecorder {
		return f.do(t, "DELETE", base, nil, nil)
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if rec := <-done; rec.Code == http.StatusOK {
		t.Errorf("answer of deleted session returned 200: %s", rec.Body)
	}
	if rec := f.do(t, "GET", base, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", rec.Code)
	}
}

func TestResetSession(t *testing.T) {
	f := newFixture(t, nil)
	s := f.createSession(t)
	body, ct := multipartBody(t, "a.csv", "x\n1\n")
	f.do(t, "POST", "/api/sessions/"+s.ID+"/files", body, map[string]string{"Content-Type": ct})

	rec := f.do(t, "POST", "/api/sessions/"+s.ID+"/reset", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got api.Session
	decode(t, rec, &got)
	if len(got.Files) != 0 || len(got.Messages) != 1 {
		t.Errorf("after reset: %+v", got)
	}
	if rec := f.do(t, "POST", "/api/sessions/nope/reset", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d", rec.Code)
	}
}

func TestModels(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "GET", "/api/models", nil, nil)
	var list api.ModelList
	decode(t, rec, &list)
	if list.Default != "Chart" || len(list.Models) != 2 {
		t.Errorf("models = %+v", list)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := true
	f := newFixture(t, func(o *Options) {
		o.Health = func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("database unreachable")
		}
	})

	if rec := f.do(t, "GET", "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d", rec.Code)
	}
	healthy = false
	if rec := f.do(t, "GET", "/healthz", nil, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status = %d", rec.Code)
	}

	rec := f.do(t, "GET", "/metrics", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "# HELP") {
		t.Errorf("metrics: status = %d", rec.Code)
	}
}

func TestProducedFiles(t *testing.T) {
	f := newFixture(t, nil)
	if err := os.WriteFile(filepath.Join(f.files.Dir(), "cfile_1.png"), []byte("\x89PNG\r\n\x1a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, "GET", "/files/cfile_1.png", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec := f.do(t, "GET", "/files/missing.png", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing file: status = %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "GET", "/nope", nil, nil)
	if rec.Code != http.StatusNotFound || errorType(t, rec) != api.ErrorTypeNotFound {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestAuthGuardsAPI(t *testing.T) {
	chain := &auth.AuthChain{DefaultDecision: auth.No}
	f := newFixture(t, func(o *Options) {
		o.Auth = auth.Middleware(chain, nil, auth.DefaultBypassEndpoints)
	})

	if rec := f.do(t, "POST", "/api/sessions", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("api: status = %d, want 401", rec.Code)
	}
	if rec := f.do(t, "GET", "/", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("page: status = %d, want 401", rec.Code)
	}
	if rec := f.do(t, "GET", "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", rec.Code)
	}
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	subject := "alice"
	authn := authFunc(func(*http.Request) auth.AuthResult {
		return auth.AuthResult{Decision: auth.Yes, Identity: &auth.Identity{Subject: subject}}
	})
	f := newFixture(t, func(o *Options) {
		o.Auth = auth.Middleware(&auth.AuthChain{Authenticators: []auth.Authenticator{authn}}, nil, nil)
	})
	s := f.createSession(t)

	subject = "bob"
	if rec := f.do(t, "GET", "/api/sessions/"+s.ID, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("other user: status = %d, want 404", rec.Code)
	}
	rec := f.do(t, "GET", "/api/sessions", nil, nil)
	var list api.SessionList
	decode(t, rec, &list)
	if len(list.Data) != 0 {
		t.Errorf("other user sees %d sessions", len(list.Data))
	}
}

type authFunc func(*http.Request) auth.AuthResult

func (f authFunc) Authenticate(_ context.Context, r *http.Request) auth.AuthResult { return f(r) }
