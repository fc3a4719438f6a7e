// Command relay polls the outbox table and publishes pending records to RabbitMQ.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/internal/bootstrap"
	"github.com/Arslan16/Ufanet-autum-practice/relay"
	"github.com/Arslan16/Ufanet-autum-practice/relay/circuitbreaker"
	"github.com/Arslan16/Ufanet-autum-practice/relay/config"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	outboxpg "github.com/Arslan16/Ufanet-autum-practice/relay/outbox/postgres"
	"github.com/Arslan16/Ufanet-autum-practice/relay/postgres"
	"github.com/Arslan16/Ufanet-autum-practice/relay/rabbitmq"
	"github.com/Arslan16/Ufanet-autum-practice/relay/redis"
	"github.com/Arslan16/Ufanet-autum-practice/relay/server"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

const (
	brokerBreaker       = "rabbitmq"
	healthCheckInterval = 10 * time.Second
	healthCheckTimeout  = 2 * time.Second
)

type options struct {
	envFile    string
	iterations int
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox records to RabbitMQ",
		Long: `Publish pending outbox records to RabbitMQ.

Every RELAY_DISPATCH_INTERVAL the relay reads PENDING records oldest first,
publishes each one to its queue and marks it SENT or FAILED. FAILED records
stay failed until "outboxctl requeue" resets them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.Flags().IntVar(&opts.iterations, "iterations", -1, "stop after n cycles, 0 runs forever (default RELAY_MAX_ITERATIONS)")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}

	if opts.iterations >= 0 {
		cfg.Relay.MaxIterations = opts.iterations
	}

	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return err
	}

	telemetry, err := bootstrap.NewTelemetry(ctx, cfg, "relay", logger)
	if err != nil {
		_ = logger.Sync(ctx)

		return err
	}
	defer bootstrap.Shutdown(telemetry, logger)

	pgConfig := cfg.Database.PostgresConfig()
	pgConfig.Logger = logger

	db, err := postgres.New(pgConfig)
	if err != nil {
		return err
	}

	if err := db.Connect(ctx); err != nil {
		return err
	}
	defer closeLogged(ctx, logger, "postgres", db.Close)

	store, err := outboxpg.NewStore(db, outboxpg.WithLogger(logger))
	if err != nil {
		return err
	}

	breakers := circuitbreaker.NewManager(logger)

	conn, err := rabbitmq.NewConnection(rabbitmq.Config{
		Credentials:    cfg.RabbitMQ.Credentials(),
		ConnectionName: "outbox-relay",
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer closeLogged(ctx, logger, "rabbitmq", func() error {
		return conn.CloseContext(context.WithoutCancel(ctx))
	})

	publisherOpts := []rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(logger),
		rabbitmq.WithConfirmTimeout(cfg.Relay.PublishTimeout),
		rabbitmq.WithCircuitBreaker(breakers, brokerBreaker),
	}

	if cfg.RabbitMQ.DeadLetter {
		publisherOpts = append(publisherOpts, rabbitmq.WithQueueArguments(rabbitmq.DeadLetterArgs("")))
	}

	publisher, err := rabbitmq.NewPublisher(conn, publisherOpts...)
	if err != nil {
		return err
	}
	defer closeLogged(ctx, logger, "publisher", publisher.Close)

	dispatcherOpts := []outbox.DispatcherOption{
		outbox.WithDispatchInterval(cfg.Relay.DispatchInterval),
		outbox.WithPublishTimeout(cfg.Relay.PublishTimeout),
		outbox.WithMaxIterations(cfg.Relay.MaxIterations),
		outbox.WithDurable(cfg.Relay.Durable),
		outbox.WithMeterProvider(telemetry.MeterProvider),
	}

	if cfg.Redis.Enabled() {
		rdb, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer closeLogged(ctx, logger, "redis", rdb.Close)

		guard, err := redis.NewInstanceGuard(rdb,
			redis.WithGuardTTL(cfg.Redis.GuardTTL),
			redis.WithGuardLogger(logger),
		)
		if err != nil {
			return err
		}
		defer closeLogged(ctx, logger, "relay guard", func() error {
			return guard.Release(context.WithoutCancel(ctx))
		})

		dispatcherOpts = append(dispatcherOpts, outbox.WithCycleGuard(guard))

		logger.Log(ctx, log.LevelInfo, "single-instance guard enabled", log.String("owner", guard.Owner()))
	}

	dispatcher, err := outbox.NewDispatcher(store, publisher, logger, otel.Tracer("outbox.relay"), dispatcherOpts...)
	if err != nil {
		return err
	}

	healthChecker, err := circuitbreaker.NewHealthChecker(breakers, healthCheckInterval, healthCheckTimeout, logger)
	if err != nil {
		return err
	}

	healthChecker.Register(brokerBreaker, conn.HealthCheck)
	healthChecker.Start()
	defer healthChecker.Stop()

	launcher := relay.NewLauncher(
		relay.WithLogger(logger),
		relay.WithContext(ctx),
		relay.RunApp("dispatcher", dispatcher),
	)

	// A bounded run exits after its last cycle, so it gets no HTTP server.
	if cfg.Relay.MaxIterations == 0 && cfg.HTTPAddr != "" {
		srv, err := server.New(cfg.HTTPAddr,
			server.WithLogger(logger),
			server.WithStats(store),
			server.WithDependency(server.DependencyCheck{
				Name:        "postgres",
				HealthCheck: pingPrimary(db),
			}),
			server.WithDependency(server.DependencyCheck{
				Name:           "rabbitmq",
				CircuitBreaker: breakers,
				ServiceName:    brokerBreaker,
				HealthCheck:    conn.HealthCheck,
			}),
		)
		if err != nil {
			return err
		}

		if err := launcher.Add("http", srv); err != nil {
			return err
		}
	}

	if err := launcher.RunWithError(); err != nil {
		log.SafeError(logger, context.WithoutCancel(ctx), "relay stopped with errors", err, cfg.EnvName == "production")

		return err
	}

	return nil
}

func pingPrimary(db *postgres.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		primary, err := db.Primary()
		if err != nil {
			return err
		}

		return primary.PingContext(ctx)
	}
}

func closeLogged(ctx context.Context, logger log.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Log(context.WithoutCancel(ctx), log.LevelWarn, "close failed",
			log.String("resource", name),
			log.String("error", outbox.SanitizeErrorMessage(err.Error())),
		)
	}
}
