package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/api"
	"github.com/rhuss/datachat/pkg/chat"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/llm"
)

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+":before")
				next.ServeHTTP(w, r)
				order = append(order, name+":after")
			})
		}
	}
	h := Chain(mw("first"), mw("second"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := "first:before second:before handler second:after first:after"
	if got := strings.Join(order, " "); got != want {
		t.Errorf("order = %q, want %q", got, want)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if seen == "" {
			t.Fatal("no request ID in context")
		}
		if rec.Header().Get(RequestIDHeader) != seen {
			t.Errorf("header = %q, context = %q", rec.Header().Get(RequestIDHeader), seen)
		}
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if seen != "req-123" || rec.Header().Get(RequestIDHeader) != "req-123" {
			t.Errorf("context = %q, header = %q", seen, rec.Header().Get(RequestIDHeader))
		}
	})
}

func TestRecovery(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if !strings.Contains(body.Error.Message, "boom") {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Chain(RequestID(), Logging(logger))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/sessions", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output %q: %v", buf.String(), err)
	}
	if entry["method"] != "POST" || entry["path"] != "/api/sessions" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", entry["status"])
	}
	if entry["request_id"] == "" {
		t.Error("missing request_id")
	}
}

func TestInFlightRegistry(t *testing.T) {
	r := NewInFlightRegistry()

	ctx, done, err := r.Start(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if _, _, err := r.Start(context.Background(), "s1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second Start: err = %v, want ErrInFlight", err)
	}
	if !r.Cancel("s1") {
		t.Fatal("Cancel returned false for registered key")
	}
	if ctx.Err() == nil {
		t.Error("context not canceled")
	}
	if r.Cancel("s1") {
		t.Error("second Cancel should report nothing in flight")
	}

	// A canceled entry frees the key before its done runs, and that
	// stale done must not unregister the newer entry.
	newCtx, newDone, err := r.Start(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Start after Cancel: %v", err)
	}
	done()
	if r.Len() != 1 {
		t.Fatalf("Len = %d after stale done, want 1", r.Len())
	}
	if !r.Cancel("s1") || newCtx.Err() == nil {
		t.Error("newer entry should still be cancelable")
	}
	newDone()
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   api.ErrorType
		wantStatus int
	}{
		{"session", fmt.Errorf("get: %w", chat.ErrSessionNotFound), api.ErrorTypeNotFound, http.StatusNotFound},
		{"file", fmt.Errorf("%w: data.xlsx", chat.ErrUnsupportedFile), api.ErrorTypeUnsupportedFile, http.StatusUnsupportedMediaType},
		{"prompt", chat.ErrEmptyPrompt, api.ErrorTypeInvalidRequest, http.StatusBadRequest},
		{"busy", chat.ErrBusy, api.ErrorTypeConflict, http.StatusConflict},
		{"in flight", ErrInFlight, api.ErrorTypeConflict, http.StatusConflict},
		{"model", fmt.Errorf("%w: %q", llm.ErrUnknownModel, "x"), api.ErrorTypeInvalidRequest, http.StatusBadRequest},
		{"turns", fmt.Errorf("%w (10)", agent.ErrMaxTurns), api.ErrorTypeModelError, http.StatusBadGateway},
		{"capacity", codeinterpreter.ErrCapacity, api.ErrorTypeInterpreterError, http.StatusBadGateway},
		{"api error", api.NewNotFoundError("gone"), api.ErrorTypeNotFound, http.StatusNotFound},
		{"other", errors.New("disk full"), api.ErrorTypeServerError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToAPIError(tt.err)
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Status() != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status(), tt.wantStatus)
			}
		})
	}
}
