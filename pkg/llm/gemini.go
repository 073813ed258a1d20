package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/observability"
	"github.com/rhuss/datachat/pkg/tools"
	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

var _ ChatModel = (*Gemini)(nil)

// Gemini uses the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, err
	}
	return &Gemini{client: client, model: cfg.Model}, nil
}

func (m *Gemini) Name() string { return m.model }

func (m *Gemini) Complete(ctx context.Context, req *Request) (*Response, error) {
	config := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents, err := geminiContents(req.Messages)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := m.client.Models.GenerateContent(ctx, m.model, contents, config)
	if err != nil {
		observability.ObserveModel("gemini", m.model, start, 0, 0, err)
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	resp := &Response{}
	if u := res.UsageMetadata; u != nil {
		resp.Usage = Usage{InputTokens: int64(u.PromptTokenCount), OutputTokens: int64(u.CandidatesTokenCount)}
	}
	observability.ObserveModel("gemini", m.model, start, resp.Usage.InputTokens, resp.Usage.OutputTokens, nil)

	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini returned no candidates")
	}
	var text strings.Builder
	for i, part := range res.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("encoding arguments of %s: %w", part.FunctionCall.Name, err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%d", start.UnixNano(), i)
			}
			resp.ToolCalls = append(resp.ToolCalls, tools.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: string(args)})
		case part.Text != "" && !part.Thought:
			text.WriteString(part.Text)
		}
	}
	resp.Text = text.String()
	debug.Log("models", "gemini completion", "model", m.model, "tool_calls", len(resp.ToolCalls))
	return resp, nil
}

// geminiContents groups consecutive tool results into one user content.
// Function responses are matched by name, so tool messages carry it.
func geminiContents(msgs []Message) ([]*genai.Content, error) {
	var out []*genai.Content
	lastIsToolResults := false
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			out = append(out, genai.NewContentFromText(msg.Content, genai.RoleUser))
			lastIsToolResults = false
		case RoleTool:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			part := genai.NewPartFromFunctionResponse(msg.ToolName, map[string]any{key: msg.Content})
			part.FunctionResponse.ID = msg.ToolCallID
			if lastIsToolResults {
				last := out[len(out)-1]
				last.Parts = append(last.Parts, part)
			} else {
				out = append(out, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
			}
			lastIsToolResults = true
		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						return nil, fmt.Errorf("decoding arguments of %s: %w", tc.Name, err)
					}
				}
				p := genai.NewPartFromFunctionCall(tc.Name, args)
				p.FunctionCall.ID = tc.ID
				parts = append(parts, p)
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
			lastIsToolResults = false
		}
	}
	return out, nil
}
