package http

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rhuss/datachat/pkg/api"
	"github.com/rhuss/datachat/pkg/chat"
	"github.com/rhuss/datachat/pkg/transport"
)

//go:embed templates/index.html
var templateFS embed.FS

// sessionCookie remembers the page's session in the browser.
const sessionCookie = "datachat_session"

type pageData struct {
	SessionID string
	Model     string
	Models    []string
	Messages  []chat.Rendered
	Files     []api.File
	Error     string
}

// pageSession returns the browser's session, creating one when the
// cookie is missing or the session has been reaped.
func (h *Handler) pageSession(w http.ResponseWriter, r *http.Request) (*chat.Session, error) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s, err := h.opts.Sessions.Get(r.Context(), c.Value)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, chat.ErrSessionNotFound) {
			return nil, err
		}
	}
	s, err := h.opts.Sessions.Create(r.Context())
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s, nil
}

func (h *Handler) showPage(w http.ResponseWriter, r *http.Request) {
	s, err := h.pageSession(w, r)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	h.renderPage(w, r, s, r.URL.Query().Get("error"))
}

func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, s *chat.Session, errMsg string) {
	msgs, err := chat.Render(s.Messages)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	data := pageData{
		SessionID: s.ID,
		Model:     s.Model,
		Models:    h.opts.Models.Labels(),
		Messages:  msgs,
		Error:     errMsg,
	}
	for _, f := range s.UploadedFiles {
		data.Files = append(data.Files, api.File{Name: f.Name, Path: f.Path})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.page.Execute(w, data); err != nil {
		slog.Error("rendering page", "error", err)
	}
}

// pageAsk handles the question form. Failures are shown on the page.
func (h *Handler) pageAsk(w http.ResponseWriter, r *http.Request) {
	s, err := h.pageSession(w, r)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		redirectHome(w, r, "")
		return
	}

	ctx, done, err := h.inflight.Start(r.Context(), s.ID)
	if err != nil {
		redirectHome(w, r, transport.ToAPIError(err).Message)
		return
	}
	defer done()
	if _, err := h.opts.Sessions.Ask(ctx, s.ID, r.FormValue("model"), prompt, nil); err != nil {
		redirectHome(w, r, transport.ToAPIError(err).Message)
		return
	}
	redirectHome(w, r, "")
}

func (h *Handler) pageUpload(w http.ResponseWriter, r *http.Request) {
	s, err := h.pageSession(w, r)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	name, content, err := h.readUpload(w, r)
	if err == nil {
		_, err = h.opts.Sessions.Upload(r.Context(), s.ID, name, content)
	}
	if err != nil {
		redirectHome(w, r, transport.ToAPIError(err).Message)
		return
	}
	redirectHome(w, r, "")
}

func (h *Handler) pageReset(w http.ResponseWriter, r *http.Request) {
	s, err := h.pageSession(w, r)
	if err != nil {
		transport.WriteError(w, r, err)
		return
	}
	h.inflight.Cancel(s.ID)
	if _, err := h.opts.Sessions.Reset(r.Context(), s.ID); err != nil {
		redirectHome(w, r, transport.ToAPIError(err).Message)
		return
	}
	redirectHome(w, r, "")
}

func redirectHome(w http.ResponseWriter, r *http.Request, errMsg string) {
	target := "/"
	if errMsg != "" {
		target += "?error=" + template.URLQueryEscaper(errMsg)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
