package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb must be > 0, got %d", c.Server.MaxUploadMB))
	}

	switch c.Interpreter.Backend {
	case "responses", "assistants":
		if c.Interpreter.APIKey == "" {
			errs = append(errs, fmt.Errorf("interpreter.api_key (or models.openai.api_key) is required for backend %q", c.Interpreter.Backend))
		}
		if c.Interpreter.Backend == "assistants" && c.Interpreter.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("interpreter.poll_interval must be > 0, got %s", c.Interpreter.PollInterval))
		}
	case "sandbox":
		sb := c.Interpreter.Sandbox
		if sb.URL == "" && !sb.Kubernetes.Enabled {
			errs = append(errs, errors.New("interpreter.sandbox.url or interpreter.sandbox.kubernetes.enabled is required for backend \"sandbox\""))
		}
		if sb.Kubernetes.Enabled && sb.Kubernetes.Template == "" {
			errs = append(errs, errors.New("interpreter.sandbox.kubernetes.template is required when kubernetes is enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("interpreter.backend must be \"responses\", \"assistants\" or \"sandbox\", got %q", c.Interpreter.Backend))
	}
	if c.Interpreter.FilesDir == "" {
		errs = append(errs, errors.New("interpreter.files_dir is required"))
	}

	if c.Models.OpenAI.APIKey == "" && c.Models.Anthropic.APIKey == "" && c.Models.Gemini.APIKey == "" {
		errs = append(errs, errors.New("models: an API key is required for at least one of openai, anthropic, gemini"))
	}

	if c.Agent.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_turns must be > 0, got %d", c.Agent.MaxTurns))
	}
	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_timeout must be > 0, got %s", c.Sessions.IdleTimeout))
	}
	if c.Sessions.ReapSchedule == "" {
		errs = append(errs, errors.New("sessions.reap_schedule is required"))
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required when storage.type is \"sqlite\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\" or \"sqlite\", got %q", c.Storage.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, errors.New("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.Secret == "" {
			errs = append(errs, errors.New("auth.jwt.secret or auth.jwt.secret_file is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].name is required", i))
		}
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].url is required", i))
		}
		switch s.Transport {
		case "", "streamable-http", "sse":
		default:
			errs = append(errs, fmt.Errorf("mcp.servers[%d].transport must be \"streamable-http\" or \"sse\", got %q", i, s.Transport))
		}
	}

	switch c.Observability.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("observability.log_format must be \"text\" or \"json\", got %q", c.Observability.LogFormat))
	}

	return errors.Join(errs...)
}
