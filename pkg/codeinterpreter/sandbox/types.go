// Package sandbox runs code on a self-hosted sandbox server that emulates
// the hosted container API: containers with a file system, file upload and
// download, and synchronous code execution.
//
// The package holds both sides: Client implements codeinterpreter.Interpreter
// against a server URL, and Server is the HTTP handler behind
// cmd/sandbox-server.
package sandbox

// Container is the wire form of a container.
type Container struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"created_at"`
	LastActiveAt int64  `json:"last_active_at"`
}

// File is the wire form of a container file.
type File struct {
	ID          string `json:"id"`
	ContainerID string `json:"container_id"`
	Path        string `json:"path"`
	Bytes       int64  `json:"bytes"`
	CreatedAt   int64  `json:"created_at"`

	// Source is "user" for uploads and "assistant" for files produced by
	// executed code.
	Source string `json:"source"`
}

// FileList is the response of GET /containers/{id}/files.
type FileList struct {
	Data []File `json:"data"`
}

// ExecuteRequest is the body of POST /containers/{id}/execute.
type ExecuteRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ExecuteResponse is the result of POST /containers/{id}/execute.
type ExecuteResponse struct {
	Status          string `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// Execution statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

type errorBody struct {
	Error string `json:"error"`
}
