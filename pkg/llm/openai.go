package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/observability"
	"github.com/rhuss/datachat/pkg/tools"
)

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

var _ ChatModel = (*OpenAI)(nil)

// OpenAI uses the Chat Completions API. Any OpenAI-compatible server
// works through BaseURL.
type OpenAI struct {
	api   openai.Client
	model string
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &OpenAI{api: openai.NewClient(opts...), model: cfg.Model}
}

func (m *OpenAI) Name() string { return m.model }

func (m *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(m.model),
		Messages:    openAIMessages(req),
		Temperature: openai.Float(0),
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}

	start := time.Now()
	completion, err := m.api.Chat.Completions.New(ctx, params)
	if err != nil {
		observability.ObserveModel("openai", m.model, start, 0, 0, err)
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	observability.ObserveModel("openai", m.model, start, completion.Usage.PromptTokens, completion.Usage.CompletionTokens, nil)

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion %s has no choices", completion.ID)
	}
	msg := completion.Choices[0].Message
	resp := &Response{
		Text:  msg.Content,
		Usage: Usage{InputTokens: completion.Usage.PromptTokens, OutputTokens: completion.Usage.CompletionTokens},
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, tools.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	debug.Log("models", "openai completion", "model", m.model, "tool_calls", len(resp.ToolCalls), "finish", completion.Choices[0].FinishReason)
	return resp, nil
}

func openAIMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			var asst openai.ChatCompletionAssistantMessageParam
			if msg.Content != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:       tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}
