package mgmt

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/workoutbot/internal/health"
	"github.com/p-blackswan/workoutbot/internal/metrics"
	"github.com/p-blackswan/workoutbot/internal/requestid"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string
}

// Deps are the services the API exposes. History, Metrics, Checker and
// Allowed may be nil.
type Deps struct {
	Scheduler Scheduler
	History   History
	Checker   *health.Checker
	Metrics   *metrics.Metrics
	Allowed   func(room string) bool
}

// Server is the management API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures a new management API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "mgmt_server").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		// Room ids and request ids outlive the request in the scheduler.
		Immutable:       true,
		ErrorHandler:    customErrorHandler(logger),
		JSONEncoder:     json.Marshal,
		JSONDecoder:     json.Unmarshal,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	})

	handlers := NewHandlers(deps.Scheduler, deps.History, deps.Checker, deps.Metrics,
		deps.Allowed, cfg.AuthConfig.Mode, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger,
		config:   cfg,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes(handlers, deps.Metrics)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request IDs are honoured from the caller or minted here, then carried
	// on the user context so scheduler and store logs share them.
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		if reqID == "" {
			_, reqID = requestid.New(c.UserContext())
		}
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("actor", actor(c)).
			Str("request_id", requestid.FromContext(c.UserContext())).
			Msg("mgmt api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	// Probe endpoints, auth skipped in the middleware
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/rooms", h.ListRooms)
	v1.Get("/rooms/:room", h.GetRoom)
	v1.Post("/rooms/:room/start", requireRole(RoleOperator), h.StartRoom)
	v1.Post("/rooms/:room/stop", requireRole(RoleOperator), h.StopRoom)
	v1.Get("/rooms/:room/stats", h.RoomStats)
	v1.Get("/rooms/:room/callouts", h.RoomCallouts)

	v1.Get("/audit", requireRole(RoleAdmin), h.ListAudit)
	v1.Get("/config", h.GetConfig)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var pe *problemError
		if errors.As(err, &pe) {
			p := pe.ProblemDetail
			p.Instance = c.Path()
			return c.Status(p.Status).JSON(p)
		}

		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		errType := "http_error"
		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			errType = "internal_error"
			logger.Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("request_id", requestid.FromContext(c.UserContext())).
				Msg("unhandled error")
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    http.StatusText(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
