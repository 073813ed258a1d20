// Command mock-backend runs a deterministic Chat Completions server for
// local development without model credentials. Point models.openai.base_url
// at it: every question is answered by one code_interpreter call that
// describes the uploaded CSV files, followed by a reply quoting the output.
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const mockModel = "mock-model"

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", handleChatCompletions)
	mux.HandleFunc("GET /v1/models", handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// --- Request types ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatTool struct {
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// --- Response types ---

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	Message      chatMsg `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatMsg struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function funcCall `json:"function"`
}

type funcCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// describeCode lists every CSV in the interpreter's data directory.
const describeCode = `import glob, pandas as pd
for path in sorted(glob.glob('/mnt/data/*.csv')):
    df = pd.read_csv(path)
    print(path, df.shape)
    print(df.describe(include='all').to_string())
`

// --- Handler ---

func handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid request","type":"invalid_request_error"}}`))
		return
	}

	resp := respond(&req)
	resp.Created = time.Now().Unix()
	resp.Model = req.Model
	if resp.Model == "" {
		resp.Model = mockModel
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func respond(req *chatRequest) chatResponse {
	last := len(req.Messages) - 1
	if last >= 0 && req.Messages[last].Role == "tool" {
		return summaryResponse(messageText(req.Messages[last]))
	}
	if hasTool(req, "code_interpreter") {
		return codeCallResponse()
	}
	return textResponse("I need the code_interpreter tool to look at your data.")
}

func codeCallResponse() chatResponse {
	args, _ := json.Marshal(map[string]string{"code": describeCode})
	return chatResponse{
		ID:     "chatcmpl-mock-tool",
		Object: "chat.completion",
		Choices: []chatChoice{{
			Message: chatMsg{
				Role: "assistant",
				ToolCalls: []toolCall{{
					ID:       "call_mock_1",
					Type:     "function",
					Function: funcCall{Name: "code_interpreter", Arguments: string(args)},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: chatUsage{PromptTokens: 20, CompletionTokens: 15, TotalTokens: 35},
	}
}

func summaryResponse(toolOutput string) chatResponse {
	text := toolOutput
	var parsed []json.RawMessage
	if json.Unmarshal([]byte(toolOutput), &parsed) == nil && len(parsed) == 2 {
		var s string
		if json.Unmarshal(parsed[0], &s) == nil {
			text = s
		}
	}
	return textResponse(fmt.Sprintf("Here is a summary of your data:\n\n```\n%s\n```", strings.TrimSpace(text)))
}

func textResponse(text string) chatResponse {
	return chatResponse{
		ID:     "chatcmpl-mock-text",
		Object: "chat.completion",
		Choices: []chatChoice{{
			Message:      chatMsg{Role: "assistant", Content: &text},
			FinishReason: "stop",
		}},
		Usage: chatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// --- Models endpoint ---

func handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": mockModel, "object": "model", "owned_by": "datachat-mock"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Helpers ---

func hasTool(req *chatRequest, name string) bool {
	for _, t := range req.Tools {
		if t.Function.Name == name {
			return true
		}
	}
	return false
}

// messageText flattens string or content-part message content.
func messageText(m chatMessage) string {
	switch v := m.Content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, part := range v {
			if p, ok := part.(map[string]any); ok {
				if text, ok := p["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	}
	return ""
}
