// Command sandbox-server serves the container API used by the sandbox
// interpreter backend. It runs inside agent-sandbox pods or locally next
// to the datachat server.
//
// Configuration:
//
//	SANDBOX_PORT           - Listen port (default: 8080)
//	SANDBOX_ROOT           - Directory holding container file systems (default: $TMPDIR/datachat-sandbox)
//	SANDBOX_MAX_CONCURRENT - Max concurrent executions (default: 3)
//	SANDBOX_PYTHON         - Python interpreter (default: python3)
//	SANDBOX_IDLE_TIMEOUT   - Delete containers idle for this long (default: 20m)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rhuss/datachat/pkg/codeinterpreter/sandbox"
)

func main() {
	port := envOr("SANDBOX_PORT", "8080")
	idle, err := time.ParseDuration(envOr("SANDBOX_IDLE_TIMEOUT", "20m"))
	if err != nil {
		slog.Error("invalid SANDBOX_IDLE_TIMEOUT", "error", err)
		os.Exit(1)
	}
	schedule, err := reapSchedule(idle)
	if err != nil {
		slog.Error("invalid SANDBOX_IDLE_TIMEOUT", "error", err)
		os.Exit(1)
	}

	srv, err := sandbox.NewServer(sandbox.ServerConfig{
		Root:          os.Getenv("SANDBOX_ROOT"),
		MaxConcurrent: envOrInt("SANDBOX_MAX_CONCURRENT", 3),
		Runner:        sandbox.ExecRunner{Command: []string{envOr("SANDBOX_PYTHON", "python3")}},
	})
	if err != nil {
		slog.Error("failed to create sandbox server", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := cron.New()
	reaper.Schedule(schedule, cron.FuncJob(func() { reapIdle(srv, idle) }))
	reaper.Start()
	defer reaper.Stop()

	go func() {
		slog.Info("sandbox server starting", "port", port, "idle_timeout", idle)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}

// reapSchedule looks for idle containers four times per idle timeout,
// at most once a second.
func reapSchedule(idle time.Duration) (cron.Schedule, error) {
	if idle <= 0 {
		return nil, fmt.Errorf("idle timeout must be > 0, got %s", idle)
	}
	return cron.Every(idle / 4), nil
}

func reapIdle(srv *sandbox.Server, idle time.Duration) {
	if n := srv.Reap(idle); n > 0 {
		slog.Info("reaped idle containers", "count", n)
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return n
}
