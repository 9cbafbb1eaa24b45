package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"kwenrich/internal/config"
	"kwenrich/internal/enrichment"
	"kwenrich/internal/events"
	server "kwenrich/internal/http"
	"kwenrich/internal/migrate"
	"kwenrich/internal/observability"
	"kwenrich/internal/orchestrator"
	"kwenrich/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	if *role != "api" && *role != "worker" && *role != "all" {
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Logging)

	// Run migrations on a short-lived connection
	if cfg.Database.Driver == "postgres" {
		if err := migrate.Run(cfg.Database.DSN); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	repo, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open store failed: %v", err)
	}
	defer repo.Close()

	// Redis client for caching, backend rate limiting and event fan-out
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	var backend enrichment.Backend
	httpBackend, err := enrichment.NewHTTPBackend(cfg.Enrichment)
	if err != nil {
		log.Fatalf("enrichment backend: %v", err)
	}
	backend = httpBackend
	if rdb != nil {
		if cfg.Enrichment.RateLimitPerMinute > 0 {
			backend = enrichment.NewRateLimitedBackend(backend, rdb, cfg.Enrichment.RateLimitPerMinute, logger)
		}
		if ttl := cfg.Enrichment.CacheTTL(); ttl > 0 {
			backend = enrichment.NewCachedBackend(backend, rdb, ttl, logger)
		}
	}

	var sinks []events.Sink
	if rdb != nil && cfg.Redis.EventsChannel != "" {
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.Redis.EventsChannel))
	}

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Repo:    repo,
		Backend: backend,
		Obs:     observability.NewProvider(otel.GetTracerProvider(), otel.GetMeterProvider()),
		Sinks:   sinks,
		Logger:  logger,
	})
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Jobs run on a context that outlives the signal so Stop can drain them.
	if *role != "api" {
		if err := orch.Start(context.Background()); err != nil {
			log.Fatalf("start orchestrator: %v", err)
		}
	}

	var srv *server.Server
	if *role != "worker" {
		srv = server.NewServer(cfg, orch, rdb, logger)
		go func() {
			if err := srv.Listen(); err != nil {
				logger.Error("server_failed", "error", err)
				stop()
			}
		}()
	}

	logger.Info("kwenrich_started", "role", *role, "driver", cfg.Database.Driver)
	<-ctx.Done()
	logger.Info("shutdown_requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownTimeout()+5*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server_shutdown_failed", "error", err)
		}
	}
	if orch.Running() {
		if err := orch.Stop(shutdownCtx); err != nil {
			logger.Error("orchestrator_stop_failed", "error", err)
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
