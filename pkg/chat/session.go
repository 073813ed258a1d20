// Package chat manages chat sessions: one code interpreter, one agent
// thread and one system prompt per session, plus the uploaded CSV files
// and the visible message list. It also renders answers for display.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/rhuss/datachat/pkg/codeinterpreter"
)

var (
	// ErrSessionNotFound is returned for unknown session ids and for
	// sessions owned by another user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnsupportedFile is returned when an upload is not a CSV file.
	ErrUnsupportedFile = errors.New("only .csv files are supported")

	// ErrEmptyPrompt is returned by Ask for blank questions.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrBusy is returned by Ask while another question of the same
	// session is being answered.
	ErrBusy = errors.New("an answer is already in progress")
)

// ExpiredNotice tells the user that the interpreter was replaced and the
// uploaded files are gone.
const ExpiredNotice = "The code interpreter session expired and was restarted. Please upload your files again."

// DefaultWelcome is the first assistant message of every conversation.
const DefaultWelcome = "Hello! I am a data analysis agent. Upload a CSV file and tell me what you would like to analyze."

// Message is one entry of the visible conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the state behind one chat window.
type Session struct {
	ID    string `json:"id"`
	Owner string `json:"owner,omitempty"`

	// ThreadID keys the agent transcript in the checkpoint store. Reset
	// starts a new thread.
	ThreadID string `json:"thread_id"`

	// Model is the label of the model used for the last question.
	Model string `json:"model"`

	Messages      []Message                      `json:"messages"`
	UploadedFiles []codeinterpreter.UploadedFile `json:"uploaded_files"`
	SystemPrompt  string                         `json:"-"`

	Interpreter codeinterpreter.Interpreter `json:"-"`

	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`

	// busy holds a token while a question, upload or reset works on the
	// session. Interpreter, ThreadID, SystemPrompt and UploadedFiles only
	// change with the token held.
	busy chan struct{}

	// mu guards the fields for snapshots. It is never held across calls
	// to the model or the interpreter.
	mu sync.Mutex

	// retired is set under mu when the session was removed while busy;
	// the token holder then releases it.
	retired bool
}

func (s *Session) tryTake() bool {
	select {
	case s.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

// snapshot copies the session for callers outside the manager.
func (s *Session) snapshot() *Session {
	return &Session{
		ID:            s.ID,
		Owner:         s.Owner,
		ThreadID:      s.ThreadID,
		Model:         s.Model,
		Messages:      append([]Message(nil), s.Messages...),
		UploadedFiles: append([]codeinterpreter.UploadedFile(nil), s.UploadedFiles...),
		SystemPrompt:  s.SystemPrompt,
		Interpreter:   s.Interpreter,
		CreatedAt:     s.CreatedAt,
		LastActive:    s.LastActive,
	}
}

// HasFile reports whether a file called name was uploaded.
func (s *Session) HasFile(name string) bool {
	for _, f := range s.UploadedFiles {
		if f.Name == name {
			return true
		}
	}
	return false
}
