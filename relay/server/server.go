package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay"
	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/runtime"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrAddressRequired is returned when New is called without a listen address.
var ErrAddressRequired = errors.New("server address is required")

var _ relay.App = (*Server)(nil)

// Server serves /health and, when a stats source is set, /outbox/stats.
type Server struct {
	app             *fiber.App
	address         string
	logger          log.Logger
	shutdownTimeout time.Duration
	listen          func(address string) error
}

// Option configures a Server.
type Option func(*config)

type config struct {
	logger          log.Logger
	deps            []DependencyCheck
	stats           StatsSource
	shutdownTimeout time.Duration
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithDependency adds a dependency to the health report.
func WithDependency(dep DependencyCheck) Option {
	return func(c *config) {
		c.deps = append(c.deps, dep)
	}
}

// WithStats enables /outbox/stats.
func WithStats(source StatsSource) Option {
	return func(c *config) {
		if !nilcheck.Interface(source) {
			c.stats = source
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

// New builds the fiber app. It does not listen until Run.
func New(address string, opts ...Option) (*Server, error) {
	if strings.TrimSpace(address) == "" {
		return nil, ErrAddressRequired
	}

	cfg := config{logger: log.NewNop(), shutdownTimeout: defaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(cfg.logger),
	})

	app.Use(recover.New(), withRequestLogging(cfg.logger))
	app.Get("/health", HealthWithDependencies(cfg.deps...))

	if cfg.stats != nil {
		app.Get("/outbox/stats", OutboxStats(cfg.stats))
	}

	return &Server{
		app:             app,
		address:         address,
		logger:          cfg.logger,
		shutdownTimeout: cfg.shutdownTimeout,
		listen:          app.Listen,
	}, nil
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens until the launcher context is cancelled or the listener fails,
// then shuts down gracefully.
func (s *Server) Run(launcher *relay.Launcher) error {
	ctx := launcher.Context()
	listenErr := make(chan error, 1)

	runtime.SafeGoWithContextAndComponent(ctx, s.logger, "server", "listen", runtime.KeepRunning,
		func(context.Context) {
			s.logger.Log(ctx, log.LevelInfo, "http server listening", log.String("address", s.address))

			listenErr <- s.listen(s.address)
		},
	)

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	s.logger.Log(ctx, log.LevelInfo, "shutting down http server", log.Bool("cancellation", true))

	if err := s.app.ShutdownWithTimeout(s.shutdownTimeout); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	return nil
}

func errorHandler(logger log.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}

		logger.Log(c.UserContext(), log.LevelError, "handler error",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Err(err),
		)

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
}
