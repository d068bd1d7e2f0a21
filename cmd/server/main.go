package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"room-chat/internal/chat"
	"room-chat/internal/config"
	"room-chat/internal/db"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type worker struct {
	svc    *chat.Service
	server *http.Server
}

func main() {
	// 1. Config & Flags
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.StoragePath)
	if err != nil {
		log.Fatalf("❌ Failed to open message store: %v", err)
	}
	logger.Info("✅ Message store opened", "dialect", database.Dialect.String())

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	logger.Info("✅ Database Schema Initialized")

	// 3. Backbone + username index: Redis when clustered, in-process otherwise
	var (
		bus         chat.Backbone
		names       chat.NameIndex
		redisClient *redis.Client
	)
	if cfg.Clustered() {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Hubs keep resubscribing with backoff; until then fan-out stays local
			// and /healthz reports degraded.
			logger.Warn("⚠️ Redis unreachable, starting degraded", "addr", cfg.RedisAddr, "error", err)
		} else {
			logger.Info("✅ Connected to Redis", "addr", cfg.RedisAddr)
		}
		cancel()
		bus = chat.NewRedisBus(redisClient, cfg.RedisChannel, logger)
		names = chat.NewRedisNames(redisClient, cfg.NamePrefix, cfg.NameTTL)
	} else {
		logger.Info("ℹ️ No REDIS_ADDR, backbone and username index are in-process")
		bus = chat.NewMemoryBus()
		names = chat.NewMemoryNames()
	}

	// 4. Start the workers
	repo := chat.NewRepository(database)
	hubCtx, stopHubs := context.WithCancel(context.Background())
	failed, fail := context.WithCancel(context.Background())

	workers := make([]worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		w := startWorker(hubCtx, cfg, i, repo, bus, names, logger, fail)
		workers = append(workers, w)
	}

	// 5. Wait for a signal (or a worker that could not listen) and clean up
	wait := gfshutdown.GracefulShutdown(failed, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"chat-server": func(ctx context.Context) error {
			var errs []error
			for _, w := range workers {
				if err := w.server.Shutdown(ctx); err != nil {
					errs = append(errs, err)
				}
			}
			// Sessions go before the hubs so their names are released, not parked.
			for _, w := range workers {
				w.svc.Shutdown(ctx)
			}
			stopHubs()
			if redisClient != nil {
				errs = append(errs, redisClient.Close())
			}
			errs = append(errs, database.Close())
			return errors.Join(errs...)
		},
	})

	exitCode := <-wait
	logger.Info("👋 Server exited", "code", exitCode)
	os.Exit(exitCode)
}

func startWorker(ctx context.Context, cfg config.Config, index int, repo chat.MessageStore, bus chat.Backbone, names chat.NameIndex, logger *slog.Logger, fail context.CancelFunc) worker {
	nodeID := fmt.Sprintf("w%d-%s", index, uuid.NewString()[:8])
	wlog := logger.With("worker", index)

	registry := chat.NewRegistry(cfg.DefaultRoom)
	hub := chat.NewHub(nodeID, registry, bus, wlog)
	svc := chat.NewService(repo, registry, names, hub, chat.ServiceConfig{
		DefaultRoom:    cfg.DefaultRoom,
		RecoveryWindow: cfg.RecoveryWindow,
	}, wlog)
	handler := chat.NewHandler(svc, wlog)

	// Start the Hub Engines
	go hub.Run(ctx)
	go func() {
		if err := hub.SubscribeToBus(ctx); err != nil {
			wlog.Error("backbone subscription ended", "error", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port+index)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		wlog.Info("🚀 Worker listening", "addr", addr, "node", nodeID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wlog.Error("❌ Worker failed", "addr", addr, "error", err)
			fail()
		}
	}()

	return worker{svc: svc, server: server}
}
