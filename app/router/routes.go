// Package router provides HTTP routing, middleware configuration, and server setup for the dispatch control plane
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/handlers"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cache"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// HealthCheck reports whether the store is reachable
type HealthCheck func(ctx context.Context) error

// Handlers groups the control plane handlers mounted by the router
type Handlers struct {
	Job      *handlers.JobHandler
	Campaign *handlers.CampaignHandler
	Account  *handlers.AccountHandler
	Worker   *handlers.WorkerHandler
	Tracking *handlers.TrackingHandler
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app      *fiber.App
	cfg      *config.ProductionConfig
	handlers Handlers
	health   HealthCheck
	logger   zerolog.Logger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(cfg *config.ProductionConfig, h Handlers, health HealthCheck, log zerolog.Logger) *FiberRouter {
	r := &FiberRouter{
		cfg:      cfg,
		handlers: h,
		health:   health,
		logger:   log.With().Str("component", "router").Logger(),
	}

	r.app = fiber.New(fiber.Config{
		AppName:      "Orochi Dispatch",
		ServerHeader: "Orochi-Dispatch",
		ErrorHandler: r.errorHandler,
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		// Progress streams outlive any write deadline
		WriteTimeout: 0,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		TrustProxy:   len(cfg.Server.TrustedProxies) > 0,
		TrustProxyConfig: fiber.TrustProxyConfig{
			Proxies: cfg.Server.TrustedProxies,
		},
		ProxyHeader: cfg.Server.ProxyHeader,
	})

	return r
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	if r.cfg.Metrics.Enabled {
		r.app.Get(r.cfg.Metrics.PrometheusPath, adaptor.HTTPHandler(promhttp.Handler()))
	}

	// Tracking callbacks are hit by mail clients, not operators
	t := r.app.Group("/t")
	t.Get("/o/:token", r.handlers.Tracking.Open)
	t.Get("/c/:token", r.handlers.Tracking.Click)
	t.Get("/u/:token", r.handlers.Tracking.Unsubscribe)
	t.Post("/u/:token", r.handlers.Tracking.Unsubscribe)

	api := r.app.Group("/api/v1")
	api.Get("/health", r.healthCheck)

	api.Use(limiter.New(limiter.Config{
		Max:        r.cfg.Security.GlobalRateLimit,
		Expiration: r.cfg.Security.RateLimitWindow,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
				Success: false,
				Message: "Too many requests. Please try again later.",
				Error: dto.ErrorDetail{
					Code: "RATE_LIMIT_EXCEEDED",
				},
			})
		},
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/api/v1/health"
		},
	}))

	jobs := api.Group("/jobs")
	jobs.Post("/", r.handlers.Job.CreateJob)
	jobs.Get("/:id", r.handlers.Job.GetJob)
	jobs.Delete("/:id", r.handlers.Job.DeleteJob)
	jobs.Post("/:id/start", r.handlers.Job.StartJob)
	jobs.Post("/:id/pause", r.handlers.Job.PauseJob)
	jobs.Post("/:id/resume", r.handlers.Job.ResumeJob)
	jobs.Post("/:id/cancel", r.handlers.Job.CancelJob)
	jobs.Get("/:id/stream", r.handlers.Job.StreamJob)
	jobs.Get("/:id/stats", r.handlers.Job.JobStats)

	campaigns := api.Group("/campaigns")
	campaigns.Post("/:id/preview", r.handlers.Campaign.PreviewRecipients)
	campaigns.Delete("/:id", r.handlers.Campaign.ArchiveCampaign)

	accounts := api.Group("/accounts")
	accounts.Post("/", r.handlers.Account.RegisterAccount)
	accounts.Put("/:id/status", r.handlers.Account.UpdateAccountStatus)

	workers := api.Group("/workers")
	workers.Get("/", r.handlers.Worker.PoolStats)
	workers.Get("/metrics", r.handlers.Worker.PoolMetrics)
	workers.Post("/:accountId/start", r.handlers.Worker.StartWorker)
	workers.Post("/:accountId/stop", r.handlers.Worker.StopWorker)
	workers.Post("/:accountId/restart", r.handlers.Worker.RestartWorker)
	workers.Get("/:accountId/status", r.handlers.Worker.WorkerStatus)

	r.app.Use(r.notFoundHandler)

	r.logger.Info().Msg("Routes configured successfully")
}

func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header: "X-Request-ID",
		Generator: func() string {
			return generateRequestID()
		},
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.Error().
				Str("request_id", requestid.FromContext(c)).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("ip", c.IP()).
				Interface("panic", e).
				Msg("Recovered from panic")
		},
	}))

	r.app.Use(middleware.Metrics())

	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      r.cfg.Security.XFrameOptions,
		HSTSMaxAge:         31536000, // 1 year
		// The unsubscribe page ships inline styles
		ContentSecurityPolicy:     "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none';",
		ReferrerPolicy:            r.cfg.Security.ReferrerPolicy,
		CrossOriginResourcePolicy: "cross-origin",
		XDNSPrefetchControl:       "off",
		XDownloadOptions:          "noopen",
		XPermittedCrossDomain:     "none",
	}))

	r.app.Use(cors.New(cors.Config{
		AllowOrigins:     r.cfg.Security.AllowedOrigins,
		AllowMethods:     r.cfg.Security.AllowedMethods,
		AllowHeaders:     append(r.cfg.Security.AllowedHeaders, "X-Request-ID"),
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: r.cfg.Security.AllowCredentials,
		MaxAge:           r.cfg.Security.CORSMaxAge,
	}))

	if r.cfg.Server.EnableCompression {
		r.app.Use(compress.New(compress.Config{
			Level: compress.LevelBestSpeed,
			Next: func(c fiber.Ctx) bool {
				// SSE frames must reach the client unbuffered
				return strings.HasSuffix(c.Path(), "/stream") || strings.HasPrefix(c.Path(), "/t/")
			},
		}))
	}

	// Health is polled by load balancers; a short cache absorbs the bursts
	r.app.Use(cache.New(cache.Config{
		Next: func(c fiber.Ctx) bool {
			return c.Method() != fiber.MethodGet || c.Path() != "/api/v1/health"
		},
		Expiration:   5 * time.Second,
		CacheControl: true,
	}))

	if r.cfg.Logging.EnableAccessLog {
		r.app.Use(logger.New(logger.Config{
			Format:     `{"time":"${time}","request_id":"${locals:requestid}","level":"info","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
			TimeFormat: time.RFC3339,
			TimeZone:   "UTC",
			Next: func(c fiber.Ctx) bool {
				return c.Path() == "/api/v1/health" || c.Path() == r.cfg.Metrics.PrometheusPath
			},
		}))
	}
}

// Start listens on address until the app is shut down
func (r *FiberRouter) Start(address string) error {
	r.logger.Info().Str("address", address).Msg("Starting server")
	return r.app.Listen(address, fiber.ListenConfig{DisableStartupMessage: true})
}

// GetApp returns the underlying fiber app
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	status := "ok"
	code := fiber.StatusOK
	if r.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.health(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Health check failed")
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
	}

	return c.Status(code).JSON(dto.APIResponse{
		Success: code == fiber.StatusOK,
		Message: "Service is " + status,
		Data: fiber.Map{
			"status":    status,
			"timestamp": utils.UTCNow().Unix(),
			"version":   r.cfg.Deployment.Version,
			"service":   "orochi-dispatch",
		},
	})
}

func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "Endpoint not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}

func (r *FiberRouter) errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "An internal server error occurred"
	errCode := "INTERNAL_ERROR"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		if code < fiber.StatusInternalServerError {
			message = e.Message
			errCode = "REQUEST_ERROR"
		}
	}
	if code >= fiber.StatusInternalServerError {
		r.logger.Error().Err(err).Int("status", code).Str("path", c.Path()).Msg("Unhandled request error")
	}

	return c.Status(code).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code: errCode,
			Details: fiber.Map{
				"timestamp":  utils.UTCNow().Unix(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}

// generateRequestID creates a unique request ID
func generateRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
