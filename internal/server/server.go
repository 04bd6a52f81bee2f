// Package server wires the HTTP and WebSocket surface of the chat backend.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"streamgate/internal/cache"
	"streamgate/internal/chat"
	"streamgate/internal/config"
	"streamgate/internal/database"
	"streamgate/internal/middleware"
	"streamgate/internal/models"
	"streamgate/internal/moderation"
	"streamgate/internal/notifications"
	"streamgate/internal/outbox"
	"streamgate/internal/presence"
	"streamgate/internal/ratelimit"
	"streamgate/internal/repository"
	"streamgate/internal/slowmode"
	"streamgate/internal/transport"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers.
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	logger         *slog.Logger

	userRepo       repository.UserRepository
	streamRepo     repository.StreamRepository
	moderationRepo repository.ModerationRepository

	hub         *notifications.Hub
	emitter     transport.Emitter
	bridge      *notifications.Bridge
	tracker     *notifications.OnlineTracker
	outbox      *outbox.Outbox
	presence    *presence.Manager
	limiter     *ratelimit.Limiter
	stopJanitor func()
	slowMode    *slowmode.Manager
	evaluator   *moderation.Evaluator
	dispatcher  *chat.Dispatcher
}

// NewServer creates a server, establishing its own database and Redis
// connections from config.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	redisClient := cache.Connect(cfg.RedisURL)

	return NewServerWithDeps(cfg, db, redisClient)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Tests use this with a sqlite DB and nil or miniredis-backed Redis.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	middleware.InitMiddleware(cfg)
	logger := middleware.Logger

	policies, err := ratelimit.LoadPolicyFile(cfg.RateLimitPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("loading rate limit policies: %w", err)
	}

	userRepo := repository.NewUserRepository(db)
	streamRepo := repository.NewStreamRepository(db)
	moderationRepo := repository.NewModerationRepository(db)

	hub := notifications.NewHub(logger)

	// With Redis present, room broadcasts cross instances and the online set
	// is shared. Without it the hub alone serves a single instance.
	var emitter transport.Emitter = hub
	bridge := notifications.NewBridge(redisClient, hub, logger)
	if bridge != nil {
		bridge.Run(context.Background())
		emitter = notifications.NewBridgedEmitter(hub, bridge)
	}
	tracker := notifications.NewOnlineTracker(redisClient, notifications.TrackerConfig{}, logger)

	ob := outbox.New(1024, 4, logger)
	pm := presence.NewManager(streamRepo, moderationRepo, emitter, ob, logger)

	var limiterOpts []ratelimit.Option
	if backend := ratelimit.NewRedisBackend(redisClient, logger); backend != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithRedisBackend(backend))
	}
	limiter := ratelimit.NewLimiter(policies, limiterOpts...)
	stopJanitor := limiter.StartJanitor(time.Minute)

	sm := slowmode.NewManager()
	evaluator := moderation.NewEvaluator(moderationRepo)
	dispatcher := chat.NewDispatcher(pm, emitter, userRepo, streamRepo, moderationRepo, sm, logger)

	prom := fiberprometheus.New("streamgate")

	return &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: prom,
		logger:         logger,
		userRepo:       userRepo,
		streamRepo:     streamRepo,
		moderationRepo: moderationRepo,
		hub:            hub,
		emitter:        emitter,
		bridge:         bridge,
		tracker:        tracker,
		outbox:         ob,
		presence:       pm,
		limiter:        limiter,
		stopJanitor:    stopJanitor,
		slowMode:       sm,
		evaluator:      evaluator,
		dispatcher:     dispatcher,
	}, nil
}

// SetupMiddleware configures middleware for the Fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
}

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "StreamGate Metrics Dashboard",
	}))

	auth := api.Group("/auth", s.AuthRateLimit)
	auth.Post("/signup", s.Signup)
	auth.Post("/login", s.Login)

	publicStreams := api.Group("/streams")
	publicStreams.Get("/", s.GetLiveStreams)
	publicStreams.Get("/categories", s.GetStreamCategories)
	publicStreams.Get("/:id", s.GetStream)
	publicStreams.Get("/:id/messages", s.GetStreamMessages)

	protected := api.Group("", middleware.AuthRequired)
	streams := protected.Group("/streams")
	streams.Post("/", s.CreateStream)
	streams.Post("/:id/go-live", s.GoLive)
	streams.Post("/:id/end", s.EndStream)

	admin := protected.Group("/admin", s.AdminRequired)
	admin.Get("/ratelimit/stats", s.RateLimitStats)
	admin.Post("/ratelimit/reset", s.ResetRateLimits)
	admin.Post("/ratelimit/penalty", s.ApplyRateLimitPenalty)
	admin.Get("/streams/:id/moderation", s.GetModerationHistory)

	// Chat WebSocket. Anonymous viewers are allowed; invalid tokens are not.
	api.Get("/ws/chat", middleware.WebSocketAuthOptional, s.ChatWebSocket())
}

// LivenessCheck handles liveness probe requests.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests. Redis is optional, the
// service degrades without it, so an unavailable Redis does not fail
// readiness.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis == nil {
		redisStatus = "unavailable"
	} else if err := s.redis.Ping(ctx).Err(); err != nil {
		redisStatus = "unhealthy"
	}

	status := fiber.StatusOK
	overall := "healthy"
	if dbStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// AdminRequired rejects non-admin users with 403. Must run after
// AuthRequired so userID is present in locals.
func (s *Server) AdminRequired(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	user, err := s.userRepo.GetByID(c.Context(), userID)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	if !user.IsAdmin() {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewUnauthorizedError("Admin access required"))
	}
	return c.Next()
}

// App builds the Fiber app with middleware and routes. Exposed for tests.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}
	app := fiber.New(fiber.Config{
		AppName: "StreamGate API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			s.logger.Error("unhandled request error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	app := s.App()
	s.logger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully stops the HTTP listener, the websocket hub, and the
// outbox drain, then closes the store connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			s.logger.Error("shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := s.hub.Shutdown(ctx); err != nil {
		s.logger.Error("shutting down hub", slog.String("error", err.Error()))
	}
	if s.bridge != nil {
		s.bridge.Stop()
	}
	s.tracker.Stop()
	s.stopJanitor()

	// Drain queued best-effort writes before the DB handle closes.
	s.outbox.Close()

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			s.logger.Error("closing sql DB", slog.String("error", cerr.Error()))
		}
	}
	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			s.logger.Error("closing redis", slog.String("error", rerr.Error()))
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
