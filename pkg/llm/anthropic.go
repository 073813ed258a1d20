package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/observability"
	"github.com/rhuss/datachat/pkg/tools"
)

const anthropicMaxTokens = 8192

type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

var _ ChatModel = (*Anthropic)(nil)

// Anthropic uses the Messages API.
type Anthropic struct {
	api   anthropic.Client
	model string
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Anthropic{api: anthropic.NewClient(opts...), model: cfg.Model}
}

func (m *Anthropic) Name() string { return m.model }

func (m *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(m.model),
		MaxTokens:   anthropicMaxTokens,
		Messages:    anthropicMessages(req.Messages),
		Temperature: anthropic.Float(0),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropicSchema(t.Parameters),
		}})
	}

	start := time.Now()
	msg, err := m.api.Messages.New(ctx, params)
	if err != nil {
		observability.ObserveModel("anthropic", m.model, start, 0, 0, err)
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	observability.ObserveModel("anthropic", m.model, start, msg.Usage.InputTokens, msg.Usage.OutputTokens, nil)

	resp := &Response{Usage: Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, tools.ToolCall{ID: block.ID, Name: block.Name, Arguments: string(block.Input)})
		}
	}
	resp.Text = text.String()
	debug.Log("models", "anthropic completion", "model", m.model, "tool_calls", len(resp.ToolCalls), "stop", msg.StopReason)
	return resp, nil
}

// anthropicMessages merges consecutive tool results, and a user message
// following them, into one user turn as the Messages API requires.
func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	appendUser := func(block anthropic.ContentBlockParamUnion) {
		if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, anthropic.NewUserMessage(block))
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			appendUser(anthropic.NewTextBlock(msg.Content))
		case RoleTool:
			appendUser(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	return out
}

func anthropicSchema(params map[string]any) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{Properties: params["properties"]}
	if req, ok := params["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	} else if req, ok := params["required"].([]string); ok {
		schema.Required = req
	}
	return schema
}
