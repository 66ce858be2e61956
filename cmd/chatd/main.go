// chatd runs the chat gateway: the WebSocket endpoint, the REST
// surface, and the job-service hook that drives room access.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/taskbid/chatsync/internal/auth"
	"github.com/taskbid/chatsync/internal/config"
	"github.com/taskbid/chatsync/internal/database"
	"github.com/taskbid/chatsync/internal/gateway"
	"github.com/taskbid/chatsync/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/chatd.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting chatd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"addr", cfg.Server.Addr,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	signer, err := auth.NewSigner([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Error("failed to create token signer", "error", err)
		os.Exit(1)
	}

	// Message store: postgres when configured, in-memory otherwise.
	var (
		store   gateway.Store
		pgStore *gateway.PGStore
	)
	if cfg.Database.Postgres.Host != "" {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pgStore = gateway.NewPGStore(gateway.PGStoreConfig{
			BatchSize:     cfg.Store.BatchSize,
			FlushInterval: cfg.Store.FlushInterval,
		}, pool, logger)
		store = pgStore
	} else {
		logger.Info("no database configured, using in-memory store")
		store = gateway.NewMemoryStore(cfg.Store.MaxPerRoom)
	}

	// Id allocator and read marks: redis when configured, in-memory
	// otherwise.
	var (
		seq   gateway.SeqAllocator
		marks gateway.ReadMarks
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
		seq = gateway.NewRedisSeq(rdb, cfg.Redis.Prefix)
		marks = gateway.NewRedisMarks(rdb, "")
	} else {
		logger.Info("no redis configured, using in-memory id allocator and read marks")
		seq = gateway.NewMemorySeq()
		marks = gateway.NewMemoryMarks()
	}

	// Broadcaster: nats when configured, in-process otherwise.
	var bc gateway.Broadcaster
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("chatd-"+cfg.Instance.ID))
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		logger.Info("nats connected", "url", cfg.NATS.URL)
		bc = gateway.NewNATSBroadcaster(nc, logger)
	} else {
		logger.Info("no nats configured, using in-process broadcast")
		bc = gateway.NewLoopbackBroadcaster()
	}

	dir := gateway.NewDirectory()
	hub := gateway.NewHub(gateway.DefaultHubConfig(), dir, seq, marks, store, bc, logger)

	// Component startup runs under one errgroup: any Start failure
	// cancels the rest and surfaces as a single error.
	g, gctx := errgroup.WithContext(ctx)
	if pgStore != nil {
		g.Go(func() error {
			if err := pgStore.Start(gctx); err != nil {
				return fmt.Errorf("message store: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := hub.Start(gctx); err != nil {
			return fmt.Errorf("hub: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("gateway startup failed", "error", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(gateway.ServerConfig{
		Addr:          cfg.Server.Addr,
		InternalToken: cfg.Server.InternalToken,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		Session: gateway.SessionConfig{
			WriteTimeout:   cfg.Session.WriteTimeout,
			PongTimeout:    cfg.Session.PongTimeout,
			PingInterval:   cfg.Session.PingInterval,
			MaxFrameBytes:  cfg.Session.MaxFrameBytes,
			SendQueueDepth: cfg.Session.SendQueueDepth,
		},
	}, hub, dir, store, signer, logger)

	errCh := make(chan error, 1)
	srv.Start(errCh)

	logger.Info("chatd running",
		"instance_id", cfg.Instance.ID,
		"addr", cfg.Server.Addr,
	)

	// Wait for shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		cancel()
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := hub.Stop(shutdownCtx); err != nil {
		logger.Warn("hub shutdown", "error", err)
	}
	if pgStore != nil {
		if err := pgStore.Stop(shutdownCtx); err != nil {
			logger.Warn("store shutdown", "error", err)
		}
	}

	logger.Info("chatd stopped")
}
