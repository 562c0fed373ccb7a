package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cognihq/agent-runtime/internal/api"
	"github.com/cognihq/agent-runtime/internal/billing"
	"github.com/cognihq/agent-runtime/internal/config"
	"github.com/cognihq/agent-runtime/internal/events"
	"github.com/cognihq/agent-runtime/internal/gateway"
	"github.com/cognihq/agent-runtime/internal/metrics"
	"github.com/cognihq/agent-runtime/internal/provider"
	"github.com/cognihq/agent-runtime/internal/proxymanager"
	"github.com/cognihq/agent-runtime/internal/sandbox"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	manager := proxymanager.NewManager(proxymanager.Config{
		Image:         cfg.Proxy.Image,
		BaseDir:       cfg.Proxy.BaseDir,
		UpstreamURL:   cfg.LLM.UpstreamURL,
		MasterKey:     cfg.LLM.MasterKey,
		HealthTimeout: cfg.Proxy.HealthTimeout(),
		SweepInterval: cfg.Proxy.SweepInterval(),
	}, proxymanager.NewDockerBackend(), m)

	// Reclaim proxies orphaned by a crashed prior process before taking
	// any traffic.
	if err := manager.Sweep(ctx); err != nil {
		slog.Warn("startup sweep failed", "error", err)
	}

	runner := sandbox.NewRunner(sandbox.NewDockerExecBackend(), cfg.Sandbox.Grace())

	var gatewayClient *gateway.Client
	var gatewayRunner provider.GatewayRunner
	if cfg.Gateway.URL != "" {
		gatewayClient = gateway.NewClient(gateway.Config{
			URL:           cfg.Gateway.URL,
			Token:         cfg.Gateway.Token,
			SessionBuffer: cfg.Gateway.SessionBuffer,
		}, m)
		gatewayRunner = gatewayClient
	}

	var publisher events.Publisher
	if cfg.Events.RedisAddr != "" {
		redisPub := events.NewRedisPublisher(cfg.Events.RedisAddr)
		defer redisPub.Close()
		publisher = redisPub
	}
	bus := events.NewBus(cfg.Events.ChannelPrefix, publisher)

	db, err := sql.Open("postgres", cfg.Billing.DatabaseURL)
	if err != nil {
		slog.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ingestor := billing.NewIngestor(
		billing.NewPostgresStore(db),
		cfg.Billing.IngestToken,
		cfg.Billing.CreditsPerUSD,
		m,
	)

	p := provider.New(cfg, manager, runner, gatewayRunner, bus, m)
	server := api.NewServer(p, ingestor, registry)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.Server.Port) })
	g.Go(func() error { return manager.RunSweeper(gctx) })
	if gatewayClient != nil {
		g.Go(func() error { return gatewayClient.Run(gctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
