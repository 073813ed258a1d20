package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Labels and model ids of the built-in catalog.
const (
	LabelGPT    = "GPT-5.2"
	LabelClaude = "Claude Sonnet 4.5"
	LabelGemini = "Gemini 2.5 Flash"

	DefaultOpenAIModel    = "gpt-5.2"
	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"
	DefaultGeminiModel    = "gemini-2.5-flash"
)

// VendorConfig configures one backend. A vendor without API key is left
// out of the catalog.
type VendorConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Label   string
}

type Config struct {
	OpenAI    VendorConfig
	Anthropic VendorConfig
	Gemini    VendorConfig

	// Default is the label preselected in new sessions.
	Default string

	HTTPClient *http.Client
}

// NewCatalogFromConfig builds the catalog of all vendors with credentials.
func NewCatalogFromConfig(ctx context.Context, cfg Config) (*Catalog, error) {
	c := NewCatalog()

	if cfg.OpenAI.APIKey != "" {
		c.Add(or(cfg.OpenAI.Label, LabelGPT), NewOpenAI(OpenAIConfig{
			APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL,
			Model: or(cfg.OpenAI.Model, DefaultOpenAIModel), HTTPClient: cfg.HTTPClient,
		}))
	}
	if cfg.Anthropic.APIKey != "" {
		c.Add(or(cfg.Anthropic.Label, LabelClaude), NewAnthropic(AnthropicConfig{
			APIKey: cfg.Anthropic.APIKey, BaseURL: cfg.Anthropic.BaseURL,
			Model: or(cfg.Anthropic.Model, DefaultAnthropicModel), HTTPClient: cfg.HTTPClient,
		}))
	}
	if cfg.Gemini.APIKey != "" {
		m, err := NewGemini(ctx, GeminiConfig{
			APIKey: cfg.Gemini.APIKey, BaseURL: cfg.Gemini.BaseURL,
			Model: or(cfg.Gemini.Model, DefaultGeminiModel), HTTPClient: cfg.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("creating gemini model: %w", err)
		}
		c.Add(or(cfg.Gemini.Label, LabelGemini), m)
	}

	if len(c.models) == 0 {
		return nil, fmt.Errorf("no model configured: set an API key for at least one of openai, anthropic, gemini")
	}
	if cfg.Default != "" {
		if err := c.SetDefault(cfg.Default); err != nil {
			return nil, err
		}
	}
	slog.Info("model catalog ready", "models", c.Labels(), "default", c.Default())
	return c, nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
