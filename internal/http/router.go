package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kwenrich/internal/config"
	"kwenrich/internal/jobs"
	"kwenrich/internal/metrics"
	"kwenrich/internal/orchestrator"
)

// Service is the orchestrator surface exposed over HTTP.
type Service interface {
	GetStatus(ctx context.Context) (orchestrator.Status, error)
	JobStatus(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	Cancel(ctx context.Context, id uuid.UUID, ownerID string) (int64, error)
	Pause(reason string)
	Resume()
	Paused() bool
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
	ScaleWorkers(n int) (int, error)
	Ping(ctx context.Context) error
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

// NewServer builds the operations server. rdb may be nil, which disables
// rate limiting and reports redis as disabled in deep health checks.
func NewServer(cfg *config.Config, svc Service, rdb *redis.Client, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	// Inject config and service into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("service", svc)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		metrics.RecordRequest(c.Method(), c.Route().Path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", c.Method(),
				"path", c.Path(),
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
		return err
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check the job store and redis connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := svc.Ping(ctx); err != nil {
			dbStatus = "error"
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		code := fiber.StatusOK
		if dbStatus != "ok" || redisStatus == "error" {
			status = "error"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
			"paused": svc.Paused(),
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	var rateMw fiber.Handler
	if rdb != nil && cfg.Server.RateLimitPerMinute > 0 {
		rateMw = rateLimitMiddleware(cfg, rdb)
	} else {
		rateMw = func(c *fiber.Ctx) error { return c.Next() }
	}

	v1 := app.Group("/v1", rateMw)
	registerV1Routes(v1)

	admin := app.Group("/admin", rateMw, adminTokenMiddleware(cfg))
	registerAdminRoutes(admin)

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func registerV1Routes(group fiber.Router) {
	group.Get("/stats", statsHandler)
	group.Get("/jobs/:id", jobDetailHandler)
	group.Delete("/jobs/:id", jobCancelHandler)
}

func registerAdminRoutes(group fiber.Router) {
	group.Post("/pause", pauseHandler)
	group.Post("/resume", resumeHandler)
	group.Post("/cleanup", cleanupHandler)
	group.Post("/workers", scaleHandler)
}
