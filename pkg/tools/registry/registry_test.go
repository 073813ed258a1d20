package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rhuss/datachat/pkg/tools"
)

// mockProvider implements FunctionProvider for testing.
type mockProvider struct {
	name       string
	toolDefs   []tools.ToolDefinition
	execFn     func(context.Context, tools.ToolCall) (*tools.ToolResult, error)
	routes     []Route
	collectors []prometheus.Collector
	closeErr   error
	closed     bool
}

func (m *mockProvider) Name() string                       { return m.name }
func (m *mockProvider) Tools() []tools.ToolDefinition      { return m.toolDefs }
func (m *mockProvider) Collectors() []prometheus.Collector { return m.collectors }
func (m *mockProvider) Routes() []Route                    { return m.routes }

func (m *mockProvider) CanExecute(name string) bool {
	for _, td := range m.toolDefs {
		if td.Name == name {
			return true
		}
	}
	return false
}

func (m *mockProvider) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	if m.execFn != nil {
		return m.execFn(ctx, call)
	}
	return &tools.ToolResult{CallID: call.ID, Output: "default"}, nil
}

func (m *mockProvider) Close() error {
	m.closed = true
	return m.closeErr
}

var _ FunctionProvider = (*mockProvider)(nil)

func TestRegistry_Definitions(t *testing.T) {
	reg := New()
	reg.Register(&mockProvider{
		name: "interpreter",
		toolDefs: []tools.ToolDefinition{
			{Name: "code_interpreter", Description: "run python"},
			{Name: "list_files"},
		},
	})

	defs, err := reg.Definitions(context.Background())
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}
	if !reg.CanExecute("code_interpreter") || reg.CanExecute("exec_query") {
		t.Error("CanExecute does not match registered tools")
	}
}

func TestRegistry_Execute(t *testing.T) {
	boom := errors.New("backend down")

	tests := []struct {
		name      string
		execFn    func(context.Context, tools.ToolCall) (*tools.ToolResult, error)
		call      string
		wantErr   bool
		wantIsErr bool
		wantOut   string
	}{
		{
			name: "success",
			execFn: func(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
				return &tools.ToolResult{CallID: call.ID, Output: `["ok", []]`}, nil
			},
			call:    "code_interpreter",
			wantOut: `["ok", []]`,
		},
		{
			name: "tool error",
			execFn: func(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
				return &tools.ToolResult{CallID: call.ID, Output: "syntax error", IsError: true}, nil
			},
			call:      "code_interpreter",
			wantIsErr: true,
			wantOut:   "syntax error",
		},
		{
			name: "executor error",
			execFn: func(context.Context, tools.ToolCall) (*tools.ToolResult, error) {
				return nil, boom
			},
			call:    "code_interpreter",
			wantErr: true,
		},
		{
			name: "panic recovered",
			execFn: func(context.Context, tools.ToolCall) (*tools.ToolResult, error) {
				panic("container vanished")
			},
			call:      "code_interpreter",
			wantIsErr: true,
		},
		{
			name:      "unknown tool",
			call:      "exec_query",
			wantIsErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New()
			reg.Register(&mockProvider{
				name:     "interpreter",
				toolDefs: []tools.ToolDefinition{{Name: "code_interpreter"}},
				execFn:   tt.execFn,
			})

			res, err := reg.Execute(context.Background(), tools.ToolCall{ID: "call_1", Name: tt.call})
			if tt.wantErr {
				if !errors.Is(err, boom) {
					t.Fatalf("err = %v, want wrapped %v", err, boom)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.CallID != "call_1" {
				t.Errorf("CallID = %q, want call_1", res.CallID)
			}
			if res.IsError != tt.wantIsErr {
				t.Errorf("IsError = %v, want %v", res.IsError, tt.wantIsErr)
			}
			if tt.wantOut != "" && res.Output != tt.wantOut {
				t.Errorf("Output = %q, want %q", res.Output, tt.wantOut)
			}
		})
	}
}

func TestRegistry_ToolNameConflict(t *testing.T) {
	reg := New()
	reg.Register(&mockProvider{
		name:     "hosted",
		toolDefs: []tools.ToolDefinition{{Name: "code_interpreter"}},
		execFn: func(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
			return &tools.ToolResult{CallID: call.ID, Output: "hosted"}, nil
		},
	})
	reg.Register(&mockProvider{
		name:     "sandbox",
		toolDefs: []tools.ToolDefinition{{Name: "code_interpreter"}},
		execFn: func(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
			return &tools.ToolResult{CallID: call.ID, Output: "sandbox"}, nil
		},
	})

	res, err := reg.Execute(context.Background(), tools.ToolCall{ID: "c", Name: "code_interpreter"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "hosted" {
		t.Errorf("Output = %q, first provider should win", res.Output)
	}

	defs, _ := reg.Definitions(context.Background())
	if len(defs) != 1 {
		t.Errorf("got %d definitions, want the winner only", len(defs))
	}
}

func TestRegistry_Routes(t *testing.T) {
	reg := New()
	reg.Register(&mockProvider{
		name: "interpreter",
		routes: []Route{{
			Method:  http.MethodGet,
			Pattern: "/files/{name}",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				if r.PathValue("name") != "chart.png" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "image/png")
				w.Write([]byte("png"))
			},
		}},
	})

	routes := reg.Routes()
	if len(routes) != 1 {
		t.Fatalf("got %d routes, want 1", len(routes))
	}

	mux := http.NewServeMux()
	for _, rt := range routes {
		mux.HandleFunc(rt.Method+" "+rt.Pattern, rt.Handler)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/chart.png", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "png" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/other.png", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRegistry_RouteMetrics(t *testing.T) {
	reg := New()
	reg.Register(&mockProvider{
		name: "route-metrics",
		routes: []Route{{
			Method:  http.MethodGet,
			Pattern: "/blobs/{name}",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				if r.PathValue("name") == "big" {
					w.Write(make([]byte, 1000))
					w.Write(make([]byte, 24))
					return
				}
				w.WriteHeader(http.StatusInternalServerError)
				w.WriteHeader(http.StatusNotFound)
			},
		}},
	})
	h := reg.Routes()[0].Handler

	serve := func(name string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/blobs/"+name, nil)
		req.SetPathValue("name", name)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	serve("big")
	serve("broken")

	var m dto.Metric
	if err := routeRequests.WithLabelValues("route-metrics", "GET", "/blobs/{name}", "200").Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("200 requests = %v, want 1", got)
	}
	m.Reset()
	if err := routeRequests.WithLabelValues("route-metrics", "GET", "/blobs/{name}", "500").Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("500 requests = %v, want 1: the first status code counts", got)
	}

	m.Reset()
	if err := routeBytes.WithLabelValues("route-metrics", "/blobs/{name}").(prometheus.Metric).Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetHistogram().GetSampleSum(); got != 1024 {
		t.Errorf("bytes sum = %v, want 1024", got)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("bytes samples = %d, want 2", got)
	}
}

func TestRegistry_Close(t *testing.T) {
	reg := New()
	if reg.HasProviders() {
		t.Fatal("new registry should be empty")
	}

	p1 := &mockProvider{name: "p1"}
	p2 := &mockProvider{name: "p2", closeErr: errors.New("close failed")}
	reg.Register(p1)
	reg.Register(p2)

	if err := reg.Close(); err == nil {
		t.Error("expected the close error to surface")
	}
	if !p1.closed || !p2.closed {
		t.Error("all providers should be closed")
	}
}

func TestRegistry_Kind(t *testing.T) {
	if New().Kind() != tools.ToolKindBuiltin {
		t.Error("registry should report builtin tools")
	}
}
