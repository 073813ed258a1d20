// Command server runs the datachat web application: a chat page and JSON
// API where users upload CSV files and ask questions that a model answers
// by running Python in a code interpreter.
//
// Configuration is read from config.yaml (or the file given with -config)
// and DATACHAT_* environment variables. See pkg/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/bootstrap"
	"github.com/rhuss/datachat/pkg/chat"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/config"
	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/prompt"
	transporthttp "github.com/rhuss/datachat/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Observability.Debug, cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	models, err := bootstrap.Models(ctx, cfg.Models)
	if err != nil {
		return err
	}

	files, err := codeinterpreter.NewFileStore(cfg.Interpreter.FilesDir)
	if err != nil {
		return fmt.Errorf("creating file store: %w", err)
	}
	interpreters, err := bootstrap.Interpreters(cfg.Interpreter, files)
	if err != nil {
		return err
	}

	checkpoints, err := bootstrap.Checkpoints(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	execs, reg, closeTools := bootstrap.Tools(ctx, *cfg, files)
	defer closeTools()

	prompts := prompt.NewLoader(cfg.Agent.SystemPromptPath)
	if _, err := prompts.Load(); err != nil {
		return fmt.Errorf("loading system prompt: %w", err)
	}
	if cfg.Agent.WatchPrompt {
		if err := prompts.Watch(ctx); err != nil {
			slog.Warn("system prompt changes will not be picked up", "error", err)
		}
		defer prompts.Close()
	}

	sessions := chat.NewManager(chat.Options{
		Interpreters: interpreters,
		Prompts:      prompts,
		Agent: agent.New(execs, checkpoints, agent.Config{
			MaxTurns:          cfg.Agent.MaxTurns,
			ParallelToolCalls: cfg.Agent.ParallelToolCalls,
			AllowedTools:      cfg.Agent.AllowedTools,
		}),
		Models:      models,
		Checkpoints: checkpoints,
		Welcome:     cfg.Sessions.Welcome,
		IdleTimeout: cfg.Sessions.IdleTimeout,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sessions.Close(closeCtx)
	}()

	if cfg.Sessions.IdleTimeout > 0 {
		reaper, err := sessions.StartReaper(cfg.Sessions.ReapSchedule)
		if err != nil {
			return err
		}
		defer reaper.Stop()
	}

	authMW, err := bootstrap.AuthMiddleware(cfg.Auth)
	if err != nil {
		return err
	}

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}

	handler := transporthttp.NewHandler(transporthttp.Options{
		Sessions:       sessions,
		Models:         models,
		Routes:         reg.Routes(),
		Auth:           authMW,
		Health:         checkpoints.HealthCheck,
		MetricsPath:    metricsPath,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
	})

	srv := transporthttp.NewServer(handler,
		transporthttp.WithAddr(":"+strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
	)

	slog.Info("datachat ready",
		"port", cfg.Server.Port,
		"interpreter", cfg.Interpreter.Backend,
		"models", models.Labels(),
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
		"debug", debug.Categories(),
	)
	return srv.ListenAndServe(ctx)
}
