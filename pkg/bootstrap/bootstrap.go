// Package bootstrap builds the runtime components from a loaded
// configuration. It is shared by the server, the CLI and the MCP server.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/rhuss/datachat/pkg/auth"
	"github.com/rhuss/datachat/pkg/auth/apikey"
	"github.com/rhuss/datachat/pkg/auth/jwt"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/codeinterpreter/assistants"
	"github.com/rhuss/datachat/pkg/codeinterpreter/kubernetes"
	"github.com/rhuss/datachat/pkg/codeinterpreter/responses"
	"github.com/rhuss/datachat/pkg/codeinterpreter/sandbox"
	"github.com/rhuss/datachat/pkg/config"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/storage"
	"github.com/rhuss/datachat/pkg/storage/memory"
	"github.com/rhuss/datachat/pkg/storage/postgres"
	"github.com/rhuss/datachat/pkg/storage/sqlite"
	"github.com/rhuss/datachat/pkg/tools"
	"github.com/rhuss/datachat/pkg/tools/mcp"
	"github.com/rhuss/datachat/pkg/tools/registry"
	"github.com/rhuss/datachat/pkg/transport"
)

// Interpreters returns the factory for the configured backend.
func Interpreters(cfg config.InterpreterConfig, store *codeinterpreter.FileStore) (codeinterpreter.Factory, error) {
	switch cfg.Backend {
	case "", "responses":
		return responses.NewFactory(responsesConfig(cfg), store), nil

	case "assistants":
		return assistants.NewFactory(assistantsConfig(cfg), store), nil

	case "sandbox":
		acq, err := sandboxAcquirer(cfg.Sandbox)
		if err != nil {
			return nil, err
		}
		return sandbox.NewFactory(acq, sandbox.Config{
			ContainerName:  cfg.ContainerName,
			TimeoutSeconds: cfg.Sandbox.TimeoutSeconds,
		}, store), nil

	default:
		return nil, fmt.Errorf("unknown interpreter backend %q", cfg.Backend)
	}
}

func responsesConfig(cfg config.InterpreterConfig) responses.Config {
	return responses.Config{
		APIKey:              cfg.APIKey,
		BaseURL:             cfg.BaseURL,
		Model:               cfg.Model,
		ContainerName:       cfg.ContainerName,
		ExpiresAfterMinutes: cfg.ExpiresAfterMinutes,
		DetectNewFiles:      cfg.DetectNewFiles,
	}
}

func assistantsConfig(cfg config.InterpreterConfig) assistants.Config {
	return assistants.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		PollInterval: cfg.PollInterval,
	}
}

func sandboxAcquirer(cfg config.SandboxConfig) (sandbox.Acquirer, error) {
	if !cfg.Kubernetes.Enabled {
		if cfg.URL == "" {
			return nil, fmt.Errorf("sandbox backend needs interpreter.sandbox.url or kubernetes.enabled")
		}
		return sandbox.StaticAcquirer{URL: cfg.URL}, nil
	}

	scheme, err := kubernetes.NewScheme()
	if err != nil {
		return nil, err
	}
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	slog.Info("sandboxes claimed from kubernetes",
		"template", cfg.Kubernetes.Template, "namespace", cfg.Kubernetes.Namespace)
	return kubernetes.NewClaimAcquirer(c, kubernetes.Config{
		Template:     cfg.Kubernetes.Template,
		Namespace:    cfg.Kubernetes.Namespace,
		ReadyTimeout: cfg.Kubernetes.ReadyTimeout,
	}), nil
}

// Models builds the chat model catalog.
func Models(ctx context.Context, cfg config.ModelsConfig) (*llm.Catalog, error) {
	vendor := func(v config.VendorConfig) llm.VendorConfig {
		return llm.VendorConfig{APIKey: v.APIKey, BaseURL: v.BaseURL, Model: v.Model, Label: v.Label}
	}
	return llm.NewCatalogFromConfig(ctx, llm.Config{
		OpenAI:    vendor(cfg.OpenAI),
		Anthropic: vendor(cfg.Anthropic),
		Gemini:    vendor(cfg.Gemini),
		Default:   cfg.Default,
	})
}

// Checkpoints opens the configured transcript store.
func Checkpoints(ctx context.Context, cfg config.StorageConfig) (storage.CheckpointStore, error) {
	switch cfg.Type {
	case "", "memory":
		slog.Info("storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil

	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		slog.Info("storage enabled", "type", "postgres", "max_conns", cfg.Postgres.MaxConns)
		return s, nil

	case "sqlite":
		s, err := sqlite.New(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		slog.Info("storage enabled", "type", "sqlite", "path", cfg.SQLite.Path)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Tools registers the code interpreter and connects the configured MCP
// servers. The registry is returned separately for its file routes.
// shutdown releases the MCP connections.
func Tools(ctx context.Context, cfg config.Config, store *codeinterpreter.FileStore) (execs tools.Executors, reg *registry.FunctionRegistry, shutdown func() error) {
	reg = registry.New()
	reg.Register(codeinterpreter.NewProvider(store, cfg.Interpreter.Timeout))
	execs = tools.Executors{reg}

	if len(cfg.MCP.Servers) == 0 {
		return execs, reg, func() error { return nil }
	}
	servers := make([]mcp.ServerConfig, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		servers = append(servers, s.ServerConfig)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	mcpExec := mcp.Connect(connectCtx, servers)
	return append(execs, mcpExec), reg, mcpExec.Close
}

// AuthMiddleware builds the authentication middleware. It returns nil
// when authentication is disabled.
func AuthMiddleware(cfg config.AuthConfig) (transport.Middleware, error) {
	var chain auth.AuthChain
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "apikey":
		entries := make([]apikey.Entry, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			entries = append(entries, apikey.Entry{Key: k.Key, Subject: k.Subject, ServiceTier: k.ServiceTier})
		}
		chain.Authenticators = []auth.Authenticator{apikey.New(entries)}
	case "jwt":
		a, err := jwt.New(jwt.Config{
			Secret:    cfg.JWT.Secret,
			Issuer:    cfg.JWT.Issuer,
			Audience:  cfg.JWT.Audience,
			UserClaim: cfg.JWT.UserClaim,
			TierClaim: cfg.JWT.TierClaim,
			Leeway:    cfg.JWT.Leeway,
		})
		if err != nil {
			return nil, err
		}
		chain.Authenticators = []auth.Authenticator{a}
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
	chain.DefaultDecision = auth.No

	var limiter auth.RateLimiter
	if cfg.RateLimit > 0 || len(cfg.Tiers) > 0 {
		tiers := make(map[string]auth.TierConfig, len(cfg.Tiers))
		for name, rpm := range cfg.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: rpm}
		}
		limiter = auth.NewInProcessLimiter(tiers, cfg.RateLimit)
	}
	slog.Info("authentication enabled", "type", cfg.Type, "rate_limit", cfg.RateLimit, "tiers", len(cfg.Tiers))
	return auth.Middleware(&chain, limiter, auth.DefaultBypassEndpoints), nil
}
