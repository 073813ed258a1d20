// Package codeinterpreter runs model-written Python code in a remote
// execution environment and collects the files that code produces.
//
// The Interpreter interface is implemented by three backends: the hosted
// Responses API with containers (package responses), the legacy Assistants
// API (package assistants), and a self-hosted sandbox server (package
// sandbox). Helpers shared by all backends live here: extension guessing,
// file-set diffing, the local FileStore, and tool output formatting.
package codeinterpreter

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on an interpreter after Close.
	ErrClosed = errors.New("codeinterpreter: interpreter closed")

	// ErrCapacity is returned when the execution backend refuses new work.
	ErrCapacity = errors.New("codeinterpreter: sandbox at capacity")

	// ErrEmptyCode is returned by Run when no code was given.
	ErrEmptyCode = errors.New("codeinterpreter: code is required")

	// ErrNoInterpreter is returned by the tool provider when the calling
	// context carries no interpreter.
	ErrNoInterpreter = errors.New("codeinterpreter: no interpreter bound to context")
)

// Interpreter executes code in an isolated environment that keeps state
// (uploaded files, variables on disk) between runs.
type Interpreter interface {
	// UploadFile makes content available to subsequent runs under name.
	UploadFile(ctx context.Context, name string, content []byte) (*UploadedFile, error)

	// Run executes code and returns the textual output together with the
	// local paths of files the execution produced.
	Run(ctx context.Context, code string) (*Result, error)

	// Close releases the remote execution environment.
	Close(ctx context.Context) error
}

// Result is the outcome of a single Run.
type Result struct {
	// Text is the execution output followed by the model's answer text.
	Text string `json:"text"`

	// Files are local paths of downloaded output files.
	Files []string `json:"files"`
}

// UploadedFile describes a file registered with an interpreter.
type UploadedFile struct {
	// Name is the original file name.
	Name string `json:"name"`

	// Path is where executed code can read the file.
	Path string `json:"path"`

	// FileID is the backend identifier of the uploaded file.
	FileID string `json:"file_id"`
}

// Factory creates a fresh interpreter. Each chat session owns one.
type Factory func(ctx context.Context) (Interpreter, error)

type contextKey struct{}

// WithInterpreter returns a context carrying it. Tool execution uses the
// interpreter found in the context of the calling session.
func WithInterpreter(ctx context.Context, it Interpreter) context.Context {
	return context.WithValue(ctx, contextKey{}, it)
}

// FromContext returns the interpreter stored by WithInterpreter.
func FromContext(ctx context.Context) (Interpreter, bool) {
	it, ok := ctx.Value(contextKey{}).(Interpreter)
	return it, ok && it != nil
}
