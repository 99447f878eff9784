package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"repolm/internal/breaker"
	"repolm/internal/cache"
	"repolm/internal/config"
	"repolm/internal/governor"
	"repolm/internal/ingest"
	"repolm/internal/pool"
	"repolm/internal/ratelimit"
	"repolm/internal/server"
	"repolm/internal/store"
	"repolm/internal/stream"
	"repolm/internal/upstream"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "repolm",
		Short: "Resource-bounded job execution core for repository learning artifacts",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "config.json", "path to config file")

	root.AddCommand(serve)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	})

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Warn("config file not loaded, using defaults", "path", configPath, "err", err)
		cfg = config.Default()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("apply env overrides: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	c := cache.New(
		cfg.Cache.Capacity,
		config.Duration(cfg.Cache.DefaultTTL, 168*time.Hour),
		config.Duration(cfg.Cache.SweepInterval, time.Minute),
	)
	defer c.Close()

	pools := make(map[pool.Kind]*pool.Pool, len(cfg.Pools))
	for name, pc := range cfg.Pools {
		pools[pool.Kind(name)] = pool.New(
			name, pc.Workers, pc.QueueDepth,
			config.Duration(pc.JobTimeout, 0),
			logger,
		)
	}

	limiters := make(map[pool.Kind]*ratelimit.Limiter, len(cfg.Limits))
	for name, lc := range cfg.Limits {
		limiters[pool.Kind(name)] = ratelimit.New(lc.Max, config.Duration(lc.Window, time.Hour))
	}

	breakers := breaker.NewRegistry(breaker.Config{
		Window:        config.Duration(cfg.Breaker.Window, time.Minute),
		FailureRatio:  cfg.Breaker.FailureRatio,
		MinCalls:      cfg.Breaker.MinCalls,
		Cooldown:      config.Duration(cfg.Breaker.Cooldown, time.Minute),
		MaxCooldown:   config.Duration(cfg.Breaker.MaxCooldown, 10*time.Minute),
		BackoffFactor: cfg.Breaker.BackoffFactor,
		TrialCalls:    cfg.Breaker.TrialCalls,
	})

	bridge := stream.NewBridge(
		cfg.Stream.BufferSize,
		config.Duration(cfg.Stream.AttachGrace, 30*time.Second),
	)

	client := upstream.NewClient(
		upstream.NewHTTPInvoker(cfg.Upstream.Endpoint),
		breakers,
		upstream.Config{
			CallTimeout: config.Duration(cfg.Upstream.CallTimeout, 2*time.Minute),
			MaxQPS:      cfg.Upstream.MaxQPS,
			Burst:       cfg.Upstream.Burst,
			RetryDelays: upstream.DefaultConfig().RetryDelays,
		},
		logger,
	)

	optional := make(map[pool.Kind]bool, len(cfg.Shedding.Optional))
	for name, v := range cfg.Shedding.Optional {
		optional[pool.Kind(name)] = v
	}
	maxActive := make(map[pool.Kind]int, len(cfg.Concurrency.MaxActive))
	for name, n := range cfg.Concurrency.MaxActive {
		maxActive[pool.Kind(name)] = n
	}

	gov := governor.New(
		pools, limiters, breakers, c, st, bridge, client,
		ingest.NewGitIngester(os.TempDir(), 0),
		governor.Options{
			ShedAbove:  cfg.Shedding.ShedAbove,
			Optional:   optional,
			MaxActive:  maxActive,
			MaxStreams: cfg.Concurrency.MaxStreams,
			CancelOnAbandon: map[pool.Kind]bool{
				pool.KindGenerate: true,
			},
			ResultTTL: config.Duration(cfg.Cache.DefaultTTL, 168*time.Hour),
		},
		logger,
	)

	srv := server.New(cfg.Server.Port, gov, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigChan
		logger.Info("shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	logger.Info("starting repolm", "addr", cfg.Server.Port, "store", cfg.Store.Driver)
	return srv.Start()
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		return store.NewRedis(cfg.Store.Addr)
	default:
		return store.NewSQLite(cfg.Store.Path)
	}
}
