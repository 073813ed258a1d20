package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, DATACHAT_CONFIG env, ./config.yaml, /etc/datachat/config.yaml)
//  3. ./.env, which never replaces variables already set
//  4. Environment variable overrides
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}
	applyFallbacks(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// loadDotEnv exports the variables of path that are not yet set. A
// missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// discoverConfigFile returns the first config file found, or "".
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("DATACHAT_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/datachat/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses a YAML file into cfg. Fields absent from the file
// keep their defaults.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps environment variables to config fields. The
// vendor variables (OPENAI_API_KEY and friends) only fill empty fields so
// that a config file can pin a different key.
func applyEnvOverrides(cfg *Config) {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	fallbackString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" && *dst == "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				slog.Warn("ignoring invalid integer", "env", name, "value", v)
			}
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else {
				slog.Warn("ignoring invalid duration", "env", name, "value", v)
			}
		}
	}

	setInt("DATACHAT_PORT", &cfg.Server.Port)

	setString("DATACHAT_INTERPRETER_BACKEND", &cfg.Interpreter.Backend)
	setString("DATACHAT_INTERPRETER_MODEL", &cfg.Interpreter.Model)
	setString("DATACHAT_CONTAINER_NAME", &cfg.Interpreter.ContainerName)
	setString("DATACHAT_FILES_DIR", &cfg.Interpreter.FilesDir)
	setString("DATACHAT_SANDBOX_URL", &cfg.Interpreter.Sandbox.URL)
	setDuration("DATACHAT_POLL_INTERVAL", &cfg.Interpreter.PollInterval)

	fallbackString("OPENAI_API_KEY", &cfg.Models.OpenAI.APIKey)
	fallbackString("OPENAI_BASE_URL", &cfg.Models.OpenAI.BaseURL)
	fallbackString("ANTHROPIC_API_KEY", &cfg.Models.Anthropic.APIKey)
	fallbackString("GEMINI_API_KEY", &cfg.Models.Gemini.APIKey)
	fallbackString("GOOGLE_API_KEY", &cfg.Models.Gemini.APIKey)
	setString("DATACHAT_DEFAULT_MODEL", &cfg.Models.Default)

	setInt("DATACHAT_MAX_TURNS", &cfg.Agent.MaxTurns)
	setString("DATACHAT_SYSTEM_PROMPT", &cfg.Agent.SystemPromptPath)
	setDuration("DATACHAT_IDLE_TIMEOUT", &cfg.Sessions.IdleTimeout)

	setString("DATACHAT_STORAGE", &cfg.Storage.Type)
	setString("DATACHAT_STORAGE_DSN", &cfg.Storage.Postgres.DSN)
	setString("DATACHAT_SQLITE_PATH", &cfg.Storage.SQLite.Path)

	setString("DATACHAT_AUTH_TYPE", &cfg.Auth.Type)
	setString("DATACHAT_JWT_SECRET", &cfg.Auth.JWT.Secret)
	setString("DATACHAT_LOG_FORMAT", &cfg.Observability.LogFormat)

	// DATACHAT_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("DATACHAT_API_KEYS"); v != "" {
		var keys []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &keys); err != nil {
			slog.Warn("ignoring DATACHAT_API_KEYS", "error", err)
		} else if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}

	// DATACHAT_MCP_SERVERS: JSON array of MCP server configs.
	if v := os.Getenv("DATACHAT_MCP_SERVERS"); v != "" {
		var servers []MCPServerConfig
		if err := json.Unmarshal([]byte(v), &servers); err != nil {
			slog.Warn("ignoring DATACHAT_MCP_SERVERS", "error", err)
		} else if len(servers) > 0 {
			cfg.MCP.Servers = servers
		}
	}
}

// resolveFileReferences reads _file fields into their empty value fields.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		name string
		file string
		dst  *string
	}{
		{"interpreter.api_key_file", cfg.Interpreter.APIKeyFile, &cfg.Interpreter.APIKey},
		{"models.openai.api_key_file", cfg.Models.OpenAI.APIKeyFile, &cfg.Models.OpenAI.APIKey},
		{"models.anthropic.api_key_file", cfg.Models.Anthropic.APIKeyFile, &cfg.Models.Anthropic.APIKey},
		{"models.gemini.api_key_file", cfg.Models.Gemini.APIKeyFile, &cfg.Models.Gemini.APIKey},
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
		{"auth.jwt.secret_file", cfg.Auth.JWT.SecretFile, &cfg.Auth.JWT.Secret},
	}
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		refs = append(refs, struct {
			name string
			file string
			dst  *string
		}{fmt.Sprintf("auth.api_keys[%d].key_file", i), k.KeyFile, &k.Key})
	}
	for i := range cfg.MCP.Servers {
		s := &cfg.MCP.Servers[i]
		refs = append(refs, struct {
			name string
			file string
			dst  *string
		}{fmt.Sprintf("mcp.servers[%d].client_secret_file", i), s.ClientSecretFile, &s.Auth.ClientSecret})
	}

	for _, ref := range refs {
		if ref.file == "" || *ref.dst != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.dst = val
	}
	return nil
}

// applyFallbacks lets the hosted interpreter share the OpenAI chat
// credentials unless it has its own.
func applyFallbacks(cfg *Config) {
	if cfg.Interpreter.APIKey == "" {
		cfg.Interpreter.APIKey = cfg.Models.OpenAI.APIKey
	}
	if cfg.Interpreter.BaseURL == "" {
		cfg.Interpreter.BaseURL = cfg.Models.OpenAI.BaseURL
	}
}

// readSecretFile returns the file content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
