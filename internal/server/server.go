// Package server contains the HTTP handlers of the whiteboard API.
package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"whiteboard/internal/auth"
	"whiteboard/internal/avatar"
	"whiteboard/internal/bootstrap"
	"whiteboard/internal/config"
	"whiteboard/internal/database"
	"whiteboard/internal/expiry"
	"whiteboard/internal/featureflags"
	"whiteboard/internal/middleware"
	"whiteboard/internal/models"
	"whiteboard/internal/notifications"
	"whiteboard/internal/observability"
	"whiteboard/internal/repository"
	"whiteboard/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	appMu          sync.Mutex
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	userRepo     repository.UserRepository
	postRepo     repository.PostRepository
	scheduler    *expiry.Scheduler
	notifier     *notifications.Notifier
	featureFlags *featureflags.Manager

	postService  *service.PostService
	userService  *service.UserService
	emojiService *service.EmojiService

	avatars     *avatar.Generator
	identities  *auth.IdentityHasher
	tokens      *auth.TokenIssuer
	google      *auth.GoogleProvider
	revocations *auth.Revocations
}

// NewServer connects to the database and Redis and builds a Server.
func NewServer(cfg *config.Config) (*Server, error) {
	db, rdb, err := bootstrap.InitRuntime(cfg, bootstrap.Options{SeedSamples: cfg.SeedSamples})
	if err != nil {
		return nil, err
	}
	return NewServerWithDeps(cfg, db, rdb, nil)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// A nil Redis client runs the server without cache, pub/sub and revocation;
// a nil clock uses real time.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, clock clockwork.Clock) (*Server, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	avatars, err := avatar.NewGenerator(cfg.AvatarDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("whiteboard-api"),
		userRepo:       repository.NewUserRepository(db, redisClient),
		postRepo:       repository.NewPostRepository(db),
		scheduler:      expiry.NewScheduler(clock),
		featureFlags:   featureflags.NewManager(cfg.FeatureFlags),
		avatars:        avatars,
		identities:     auth.NewIdentityHasher(cfg.IdentityPepper),
		tokens:         auth.NewTokenIssuer(cfg.JWTSecret, clock),
		revocations:    auth.NewRevocations(redisClient),
	}
	if cfg.GoogleEnabled() {
		s.google = auth.NewGoogleProvider(auth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	if redisClient != nil {
		s.notifier = notifications.NewNotifier(redisClient)
	}

	s.postService = service.NewPostService(s.postRepo, s.userRepo, s.scheduler, s.notifier, redisClient)
	s.userService = service.NewUserService(s.userRepo, avatars)
	s.emojiService = service.NewEmojiService(cfg.EmojiAPIURL, cfg.EmojiAPIKey, redisClient)
	observability.RegisterPendingTimers(s.postService.PendingTimers)

	return s, nil
}

// PostService exposes the lifecycle manager to the runtime.
func (s *Server) PostService() *service.PostService {
	return s.postService
}

// App builds the fiber application with middleware and routes.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "Whiteboard API",
		BodyLimit: 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", "error", err)
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
				Error: "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	app.Static(strings.TrimSuffix(avatar.URLPrefix, "/"), s.avatars.Dir(), fiber.Static{MaxAge: 3600})

	api := app.Group("/api")
	api.Get("/features", s.GetFeatureFlags)
	api.Get("/emojis", s.GetEmojis)

	authGroup := api.Group("/auth")
	authGroup.Post("/signup", middleware.RateLimit(s.redis, middleware.SignupRule), s.Signup)
	authGroup.Post("/login", middleware.RateLimit(s.redis, middleware.LoginRule), s.Login)
	authGroup.Post("/logout", s.AuthRequired(), s.Logout)
	authGroup.Get("/google", s.GoogleLogin)
	authGroup.Get("/google/callback", s.GoogleCallback)
	authGroup.Post("/register-username", s.RegisterUsername)

	posts := api.Group("/posts")
	posts.Get("/", s.GetPosts)
	posts.Post("/", s.AuthRequired(), middleware.RateLimit(s.redis, middleware.CreatePostRule), s.CreatePost)
	// Specific /:id/:action routes before the generic /:id routes
	posts.Post("/:id/frame", s.AuthRequired(), s.FramePost)
	posts.Post("/:id/like", s.AuthRequired(), s.LikePost)
	posts.Get("/:id", s.GetPost)
	posts.Delete("/:id", s.AuthRequired(), s.DeletePost)

	users := api.Group("/users")
	users.Get("/me", s.AuthRequired(), s.GetMyProfile)
	users.Put("/me", s.AuthRequired(), s.UpdateMyProfile)
	users.Get("/:username/posts", s.GetUserPosts)
	users.Get("/:username", s.GetUserProfile)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now().UTC(),
	})
}

// ReadinessCheck reports unhealthy when the database, or a configured Redis,
// does not answer.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := database.Ping(ctx, s.db); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overall := "healthy"
	if dbStatus == "unhealthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"pending_expirations": s.postService.PendingTimers(),
		"time":                time.Now().UTC(),
	})
}

// StartBackground reconciles scheduled posts, subscribes to lifecycle events
// of other instances and starts the expiry sweeper. Everything stops when
// Shutdown is called.
func (s *Server) StartBackground(ctx context.Context) error {
	s.shutdownCtx, s.shutdownFn = context.WithCancel(ctx)

	if err := s.notifier.StartLifecycleSubscriber(s.shutdownCtx, s.postService.HandleLifecycleEvent); err != nil {
		middleware.Logger.Warn("lifecycle subscriber unavailable", "error", err)
	}

	if _, _, err := s.postService.ReconcileOnStartup(s.shutdownCtx); err != nil {
		return fmt.Errorf("reconcile scheduled posts: %w", err)
	}

	go s.postService.RunSweeper(s.shutdownCtx, s.config.SweepInterval())
	return nil
}

// Start builds the app and listens on the configured port.
func (s *Server) Start() error {
	app := s.App()
	s.appMu.Lock()
	s.app = app
	s.appMu.Unlock()

	middleware.Logger.Info("Server starting", "port", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}
	s.scheduler.Stop()

	s.appMu.Lock()
	app := s.app
	s.appMu.Unlock()
	if app != nil {
		if err := app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", "error", err)
		}
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", "error", cerr)
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", "error", rerr)
		}
	}

	middleware.Logger.Info("Server shutdown complete")
	return nil
}
