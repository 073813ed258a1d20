package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/bootstrap"
	"github.com/rhuss/datachat/pkg/chat"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/config"
	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/prompt"
)

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "datachat",
		Short:         "Ask questions about CSV files",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	cmd.AddCommand(chatCmd(), execCmd(), modelsCmd())
	return cmd
}

// loadConfig loads the configuration and sets up logging. The CLI logs
// warnings only unless DATACHAT_LOG_LEVEL says otherwise.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Observability.LogLevel
	if level == "" || level == "info" {
		level = "warn"
	}
	debug.Init(cfg.Observability.Debug, level, cfg.Observability.LogFormat)
	return cfg, nil
}

// stack is the in-process chat stack.
type stack struct {
	cfg      *config.Config
	models   *llm.Catalog
	sessions *chat.Manager
	closers  []func() error
}

func newStack(ctx context.Context) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &stack{cfg: cfg}

	rt.models, err = bootstrap.Models(ctx, cfg.Models)
	if err != nil {
		return nil, err
	}
	files, err := codeinterpreter.NewFileStore(cfg.Interpreter.FilesDir)
	if err != nil {
		return nil, fmt.Errorf("creating file store: %w", err)
	}
	interpreters, err := bootstrap.Interpreters(cfg.Interpreter, files)
	if err != nil {
		return nil, err
	}
	checkpoints, err := bootstrap.Checkpoints(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, checkpoints.Close)

	execs, _, closeTools := bootstrap.Tools(ctx, *cfg, files)
	rt.closers = append(rt.closers, closeTools)

	rt.sessions = chat.NewManager(chat.Options{
		Interpreters: interpreters,
		Prompts:      prompt.NewLoader(cfg.Agent.SystemPromptPath),
		Agent: agent.New(execs, checkpoints, agent.Config{
			MaxTurns:          cfg.Agent.MaxTurns,
			ParallelToolCalls: cfg.Agent.ParallelToolCalls,
			AllowedTools:      cfg.Agent.AllowedTools,
		}),
		Models:      rt.models,
		Checkpoints: checkpoints,
		Welcome:     cfg.Sessions.Welcome,
	})
	return rt, nil
}

func (rt *stack) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt.sessions.Close(ctx)
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// upload reads path and uploads it to the session under its base name.
func (rt *stack) upload(ctx context.Context, sessionID, path string) (*codeinterpreter.UploadedFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return rt.sessions.Upload(ctx, sessionID, filepath.Base(path), content)
}
