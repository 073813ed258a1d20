// Command mcp-server exposes the code interpreter as MCP tools, so desktop
// assistants can upload CSV files and run Python against them.
//
// With -transport stdio (default) the server talks over stdin/stdout and
// logs to stderr. With -transport http it serves streamable HTTP on /mcp.
// Interpreter settings come from the regular datachat configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/datachat/pkg/bootstrap"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/config"
	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/mcpserver"
	"github.com/rhuss/datachat/pkg/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	transportName := flag.String("transport", "stdio", `"stdio" or "http"`)
	port := flag.Int("port", 8081, "listen port for the http transport")
	flag.Parse()

	if err := run(*configPath, *transportName, *port); err != nil {
		slog.Error("mcp server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, transportName string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	debug.Init(cfg.Observability.Debug, cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	files, err := codeinterpreter.NewFileStore(cfg.Interpreter.FilesDir)
	if err != nil {
		return fmt.Errorf("creating file store: %w", err)
	}
	interpreters, err := bootstrap.Interpreters(cfg.Interpreter, files)
	if err != nil {
		return err
	}

	srv := mcpserver.New(interpreters, version)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Close(closeCtx); err != nil {
			slog.Warn("closing interpreter", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch transportName {
	case "stdio":
		slog.Info("mcp server on stdio", "interpreter", cfg.Interpreter.Backend)
		return srv.Run(ctx, &mcp.StdioTransport{})
	case "http":
		return serveHTTP(ctx, srv, port)
	default:
		return fmt.Errorf("unknown transport %q", transportName)
	}
}

func serveHTTP(ctx context.Context, srv *mcpserver.Server, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", transport.Chain(
		transport.RequestID(),
		transport.Logging(slog.Default()),
		transport.Recovery(),
	)(srv.Handler()))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	httpSrv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcp server starting", "port", port, "path", "/mcp")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
