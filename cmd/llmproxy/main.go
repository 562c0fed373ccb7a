// The llmproxy binary is what runs inside each per-run proxy container.
// It loads the pinned config written by the proxy manager, picks up the
// master key from its environment and serves the authenticating reverse
// proxy on the run's unix socket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cognihq/agent-runtime/internal/llmproxy"
)

func main() {
	configPath := flag.String("config", "/var/run/llmproxy/proxy.yaml", "path to pinned proxy config")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := llmproxy.LoadConfigFile(*configPath)
	if err != nil {
		slog.Error("proxy config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	srv, err := llmproxy.New(cfg)
	if err != nil {
		slog.Error("proxy init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	slog.Info("proxy serving", "socket", cfg.SocketPath, "upstream", cfg.UpstreamURL)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("proxy serve failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("proxy shutdown incomplete", "error", err)
		}
	}
}
