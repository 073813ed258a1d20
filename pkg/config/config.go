// Package config provides unified configuration for the datachat server
// and CLI.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML config file (explicit, DATACHAT_CONFIG, ./config.yaml, /etc/datachat/config.yaml)
//  3. .env file in the working directory
//  4. Environment variable overrides (DATACHAT_ prefix, plus the vendor API key variables)
//  5. File reference resolution (_file suffix fields)
//  6. Validation
package config

import (
	"time"

	"github.com/rhuss/datachat/pkg/tools/mcp"
)

// Config holds all configuration for datachat.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Interpreter   InterpreterConfig   `yaml:"interpreter"`
	Models        ModelsConfig        `yaml:"models"`
	Agent         AgentConfig         `yaml:"agent"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 10m, answers can take minutes
	MaxUploadMB  int64         `yaml:"max_upload_mb"` // default: 50
}

// InterpreterConfig selects and configures the code execution backend.
type InterpreterConfig struct {
	// Backend is "responses" (default), "assistants" or "sandbox".
	Backend string `yaml:"backend"`

	// Model drives the hosted code_interpreter tool. Default: gpt-4o.
	Model string `yaml:"model"`

	APIKey     string `yaml:"api_key"`
	APIKeyFile string `yaml:"api_key_file"`
	BaseURL    string `yaml:"base_url"`

	// ContainerName and ExpiresAfterMinutes configure hosted containers.
	ContainerName       string `yaml:"container_name"`        // default: "datachat-session"
	ExpiresAfterMinutes int    `yaml:"expires_after_minutes"` // default: 20

	// PollInterval is how often the assistants backend checks a run.
	PollInterval time.Duration `yaml:"poll_interval"` // default: 1s

	// FilesDir receives files produced by code runs. Default: ./files.
	FilesDir string `yaml:"files_dir"`

	// DetectNewFiles diffs the container file list around each run
	// instead of relying on output annotations. Default: true.
	DetectNewFiles bool `yaml:"detect_new_files"`

	// Timeout bounds one code run. Default: 5m.
	Timeout time.Duration `yaml:"timeout"`

	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig configures the self-hosted sandbox backend. Either URL
// points at a running sandbox server or Kubernetes claims one per session.
type SandboxConfig struct {
	URL            string           `yaml:"url"`
	TimeoutSeconds int              `yaml:"timeout_seconds"` // default: 120
	Kubernetes     KubernetesConfig `yaml:"kubernetes"`
}

// KubernetesConfig configures sandbox claims in a cluster.
type KubernetesConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Template     string        `yaml:"template"`
	Namespace    string        `yaml:"namespace"`     // default: "default"
	ReadyTimeout time.Duration `yaml:"ready_timeout"` // default: 2m
}

// ModelsConfig lists the chat model vendors.
type ModelsConfig struct {
	OpenAI    VendorConfig `yaml:"openai"`
	Anthropic VendorConfig `yaml:"anthropic"`
	Gemini    VendorConfig `yaml:"gemini"`

	// Default is the label selected for new sessions.
	Default string `yaml:"default"`
}

// VendorConfig configures one vendor. A vendor without API key is not
// offered.
type VendorConfig struct {
	APIKey     string `yaml:"api_key"`
	APIKeyFile string `yaml:"api_key_file"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Label      string `yaml:"label"`
}

// AgentConfig holds tool loop and prompt settings.
type AgentConfig struct {
	MaxTurns          int    `yaml:"max_turns"` // default: 10
	ParallelToolCalls bool   `yaml:"parallel_tool_calls"`
	SystemPromptPath  string `yaml:"system_prompt_path"` // default: ./prompt/system_prompt.txt
	WatchPrompt       bool   `yaml:"watch_prompt"`       // default: true

	// AllowedTools limits the tools the model may call. Empty allows all.
	AllowedTools []string `yaml:"allowed_tools"`
}

// SessionsConfig controls session lifetime.
type SessionsConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 30m
	ReapSchedule string        `yaml:"reap_schedule"` // default: "@every 5m"
	Welcome      string        `yaml:"welcome"`       // optional first assistant message
}

// StorageConfig holds conversation checkpoint settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres" or "sqlite", default: "memory"
	MaxSize  int            `yaml:"max_size"` // memory store thread bound, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig holds PostgreSQL settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`
	MaxConns       int32  `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: true
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // default: ./data/datachat.db
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type    string         `yaml:"type"` // "none", "apikey" or "jwt", default: "none"
	APIKeys []APIKeyConfig `yaml:"api_keys"`
	JWT     JWTConfig      `yaml:"jwt"`

	// RateLimit is the default requests per minute per user, 0 disables.
	RateLimit int            `yaml:"rate_limit"`
	Tiers     map[string]int `yaml:"tiers"`
}

// APIKeyConfig describes one API key.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file,omitempty"`
	Subject     string `yaml:"subject" json:"subject"`
	ServiceTier string `yaml:"service_tier" json:"service_tier,omitempty"`
}

// JWTConfig configures HMAC-signed bearer tokens.
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	SecretFile string        `yaml:"secret_file"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	UserClaim  string        `yaml:"user_claim"`
	TierClaim  string        `yaml:"tier_claim"`
	Leeway     time.Duration `yaml:"leeway"`
}

// MCPConfig lists external MCP servers whose tools the agent may call.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig is an MCP server connection plus secret file references.
type MCPServerConfig struct {
	mcp.ServerConfig `yaml:",inline"`

	ClientSecretFile string `yaml:"client_secret_file" json:"client_secret_file,omitempty"`
}

// ObservabilityConfig holds monitoring and logging settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`

	// Debug lists trace categories, e.g. "interpreter,agent". "all" enables every category.
	Debug     string `yaml:"debug"`
	LogLevel  string `yaml:"log_level"`  // default: "info"
	LogFormat string `yaml:"log_format"` // "text" (default) or "json"
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			MaxUploadMB:  50,
		},
		Interpreter: InterpreterConfig{
			Backend:             "responses",
			Model:               "gpt-4o",
			ContainerName:       "datachat-session",
			ExpiresAfterMinutes: 20,
			PollInterval:        time.Second,
			FilesDir:            "./files",
			DetectNewFiles:      true,
			Timeout:             5 * time.Minute,
			Sandbox: SandboxConfig{
				TimeoutSeconds: 120,
				Kubernetes: KubernetesConfig{
					Namespace:    "default",
					ReadyTimeout: 2 * time.Minute,
				},
			},
		},
		Agent: AgentConfig{
			MaxTurns:         10,
			SystemPromptPath: "./prompt/system_prompt.txt",
			WatchPrompt:      true,
		},
		Sessions: SessionsConfig{
			IdleTimeout:  30 * time.Minute,
			ReapSchedule: "@every 5m",
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns:       10,
				MigrateOnStart: true,
			},
			SQLite: SQLiteConfig{
				Path: "./data/datachat.db",
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}
