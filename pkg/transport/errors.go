package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/api"
	"github.com/rhuss/datachat/pkg/chat"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/llm"
)

// ToAPIError maps an error from the chat layer to the API error returned
// to clients. Unknown errors become server errors.
func ToAPIError(err error) *api.APIError {
	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, chat.ErrSessionNotFound):
		return api.NewNotFoundError("session not found")
	case errors.Is(err, chat.ErrUnsupportedFile):
		return api.NewUnsupportedFileError(err.Error())
	case errors.Is(err, chat.ErrBusy), errors.Is(err, ErrInFlight):
		return api.NewConflictError("an answer is already in progress")
	case errors.Is(err, chat.ErrEmptyPrompt):
		return api.NewInvalidRequestError("content", "must not be empty")
	case errors.Is(err, llm.ErrUnknownModel):
		return api.NewInvalidRequestError("model", err.Error())
	case errors.Is(err, agent.ErrMaxTurns):
		return api.NewModelError(err.Error())
	case errors.Is(err, codeinterpreter.ErrCapacity),
		errors.Is(err, codeinterpreter.ErrClosed):
		return api.NewInterpreterError(err.Error())
	case errors.Is(err, context.Canceled):
		return api.NewInvalidRequestError("", "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return api.NewServerError("request timed out")
	default:
		return api.NewServerError(err.Error())
	}
}

// WriteError writes err as a JSON API error. Server errors are logged.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := ToAPIError(err)
	if apiErr.Status() >= 500 {
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
	}
	api.WriteError(w, apiErr)
}
