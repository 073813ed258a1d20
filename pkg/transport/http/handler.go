// Package http serves the chat over HTTP: a server-rendered chat page, a
// JSON API with optional SSE streaming of answers, the files produced by
// code runs, health and metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/datachat/pkg/api"
	"github.com/rhuss/datachat/pkg/chat"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/observability"
	"github.com/rhuss/datachat/pkg/tools/registry"
	"github.com/rhuss/datachat/pkg/transport"
)

const (
	defaultMaxUploadBytes = 50 << 20
	maxJSONBodyBytes      = 1 << 20
)

// Options configures the handler.
type Options struct {
	Sessions *chat.Manager
	Models   *llm.Catalog

	// Routes are extra endpoints, typically the tool registry's file routes.
	// They are served without authentication.
	Routes []registry.Route

	// Auth guards the page and the API. Nil disables authentication.
	Auth transport.Middleware

	// Health reports readiness of dependencies for /healthz.
	Health func(ctx context.Context) error

	// MetricsPath exposes Prometheus metrics. Empty disables the endpoint.
	MetricsPath string

	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Handler routes all HTTP requests.
type Handler struct {
	opts     Options
	inflight *transport.InFlightRegistry
	page     *template.Template
	router   chi.Router
}

// NewHandler builds the router.
func NewHandler(opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		opts:     opts,
		inflight: transport.NewInFlightRegistry(),
		page:     template.Must(template.ParseFS(templateFS, "templates/index.html")),
	}

	r := chi.NewRouter()
	r.Use(
		transport.RequestID(),
		transport.Logging(opts.Logger),
		transport.Recovery(),
		observability.MetricsMiddleware,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, api.NewNotFoundError("no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	r.Get("/healthz", h.health)
	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, promhttp.Handler())
	}
	for _, route := range opts.Routes {
		r.Method(route.Method, route.Pattern, route.Handler)
	}

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}

		r.Get("/", h.showPage)
		r.Post("/ask", h.pageAsk)
		r.Post("/upload", h.pageUpload)
		r.Post("/reset", h.pageReset)

		r.Route("/api", func(r chi.Router) {
			r.Get("/models", h.listModels)
			r.Post("/sessions", h.createSession)
			r.Get("/sessions", h.listSessions)
			r.Get("/sessions/{id}", h.getSession)
			r.Delete("/sessions/{id}", h.deleteSession)
			r.Post("/sessions/{id}/reset", h.resetSession)
			r.Post("/sessions/{id}/files", h.uploadFile)
			r.Post("/sessions/{id}/messages", h.ask)
			r.Delete("/sessions/{id}/messages", h.cancelAnswer)
		})
	})

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Health != nil {
		if err := h.opts.Health(r.Context()); err != nil {
			slog.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.ModelList{
		Default: h.opts.Models.Default(),
		Models:  h.opts.Models.Labels(),
	})
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.opts.Sessions.Create(r.Context())
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(s))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	list := api.SessionList{Data: []api.Session{}}
	for _, s := range h.opts.Sessions.List(r.Context()) {
		list.Data = append(list.Data, sessionView(s))
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.opts.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(s))
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.opts.Sessions.Exists(r.Context(), id); err != nil {
		transport.WriteError(w, r, err)
		return
	}
	h.inflight.Cancel(id)
	if err := h.opts.Sessions.Delete(r.Context(), id); err != nil {
		transport.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.opts.Sessions.Exists(r.Context(), id); err != nil {
		transport.WriteError(w, r, err)
		return
	}
	h.inflight.Cancel(id)
	s, err := h.opts.Sessions.Reset(r.Context(), id)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(s))
}

func (h *Handler) uploadFile(w http.ResponseWriter, r *http.Request) {
	name, content, err := h.readUpload(w, r)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	up, err := h.opts.Sessions.Upload(r.Context(), chi.URLParam(r, "id"), name, content)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.File{Name: up.Name, Path: up.Path})
}

// readUpload returns the multipart "file" field.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, api.NewInvalidRequestError("file", "file is too large")
		}
		return "", nil, api.NewInvalidRequestError("file", "expected a multipart form with a file field")
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return "", nil, api.NewInvalidRequestError("file", "missing file field")
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return "", nil, api.NewInvalidRequestError("file", "reading upload: "+err.Error())
	}
	return hdr.Filename, content, nil
}

func (h *Handler) ask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req api.AskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(&req); err != nil {
		api.WriteError(w, api.NewInvalidRequestError("", "invalid JSON body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		transport.WriteError(w, r, chat.ErrEmptyPrompt)
		return
	}
	// Report unknown sessions and models as plain JSON errors before a
	// stream is opened.
	if err := h.opts.Sessions.Exists(r.Context(), id); err != nil {
		transport.WriteError(w, r, err)
		return
	}
	if req.Model != "" {
		if _, err := h.opts.Models.Select(req.Model); err != nil {
			transport.WriteError(w, r, err)
			return
		}
	}

	ctx, done, err := h.inflight.Start(r.Context(), id)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	defer done()

	if !wantsStream(r) {
		msg, err := h.opts.Sessions.Ask(ctx, id, req.Model, req.Content, nil)
		if err != nil {
			transport.WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, api.AskResponse{Message: messageView(*msg)})
		return
	}

	sse := newSSEWriter(w)
	msg, err := h.opts.Sessions.Ask(ctx, id, req.Model, req.Content, sse)
	if err != nil {
		apiErr := transport.ToAPIError(err)
		if apiErr.Status() >= 500 {
			slog.Error("streamed answer failed", "session", id, "error", err)
		}
		sse.finish(api.StreamEvent{Type: api.EventError, Error: apiErr.Message})
		return
	}
	view := messageView(*msg)
	sse.finish(api.StreamEvent{Type: api.EventDone, Message: &view})
}

func (h *Handler) cancelAnswer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.opts.Sessions.Exists(r.Context(), id); err != nil {
		transport.WriteError(w, r, err)
		return
	}
	if !h.inflight.Cancel(id) {
		api.WriteError(w, api.NewNotFoundError("no answer in progress"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sessionView(s *chat.Session) api.Session {
	view := api.Session{
		ID:         s.ID,
		Model:      s.Model,
		Messages:   make([]api.Message, 0, len(s.Messages)),
		Files:      make([]api.File, 0, len(s.UploadedFiles)),
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive,
	}
	for _, m := range s.Messages {
		view.Messages = append(view.Messages, messageView(m))
	}
	for _, f := range s.UploadedFiles {
		view.Files = append(view.Files, api.File{Name: f.Name, Path: f.Path})
	}
	return view
}

// messageView renders assistant answers. Rendering failures leave the raw
// content only.
func messageView(m chat.Message) api.Message {
	view := api.Message{Role: m.Role, Content: m.Content}
	if m.Role != "assistant" {
		return view
	}
	rendered, err := chat.Render([]chat.Message{m})
	if err != nil {
		slog.Warn("rendering message", "error", err)
		return view
	}
	view.HTML = string(rendered[0].HTML)
	view.Images = rendered[0].Images
	return view
}
