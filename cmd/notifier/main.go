// Command notifier consumes outbox events from RabbitMQ and forwards them to
// Telegram chats.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Arslan16/Ufanet-autum-practice/internal/bootstrap"
	"github.com/Arslan16/Ufanet-autum-practice/relay"
	"github.com/Arslan16/Ufanet-autum-practice/relay/circuitbreaker"
	"github.com/Arslan16/Ufanet-autum-practice/relay/config"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/notifier"
	"github.com/Arslan16/Ufanet-autum-practice/relay/notifier/telegram"
	"github.com/Arslan16/Ufanet-autum-practice/relay/rabbitmq"
	"github.com/Arslan16/Ufanet-autum-practice/relay/redis"
	"github.com/Arslan16/Ufanet-autum-practice/relay/server"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

// logRecipient stands in for chat ids when notifications only go to the log.
const logRecipient = "log"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "notifier",
		Short: "Forward outbox events from RabbitMQ to Telegram",
		Long: `Forward outbox events from RabbitMQ to Telegram.

Each message on QUEUE_NAME is rendered as a JSON code block and sent to every
chat in BOT_RECIPIENTS. Without BOT_TOKEN messages are written to the log.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, envFile)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	return cmd
}

func run(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return err
	}

	telemetry, err := bootstrap.NewTelemetry(ctx, cfg, "notifier", logger)
	if err != nil {
		_ = logger.Sync(ctx)

		return err
	}
	defer bootstrap.Shutdown(telemetry, logger)

	breakers := circuitbreaker.NewManager(logger)

	sink, recipients, err := newSink(cfg, breakers, logger)
	if err != nil {
		return err
	}

	notifierOpts := []notifier.Option{
		notifier.WithLogger(logger),
		notifier.WithTracer(otel.Tracer("outbox.notifier")),
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

		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Log(context.WithoutCancel(ctx), log.LevelWarn, "redis close failed", log.Err(err))
			}
		}()

		dedup, err := redis.NewDeduplicator(rdb, "", cfg.Redis.DedupTTL)
		if err != nil {
			return err
		}

		notifierOpts = append(notifierOpts, notifier.WithDeduplicator(dedup))
	}

	handler, err := notifier.New(sink, recipients, notifierOpts...)
	if err != nil {
		return err
	}

	conn, err := rabbitmq.NewConnection(rabbitmq.Config{
		Credentials:    cfg.RabbitMQ.Credentials(),
		ConnectionName: "outbox-notifier",
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	defer func() {
		if err := conn.CloseContext(context.WithoutCancel(ctx)); err != nil {
			logger.Log(context.WithoutCancel(ctx), log.LevelWarn, "rabbitmq close failed", log.Err(err))
		}
	}()

	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithPrefetch(cfg.RabbitMQ.Prefetch),
		rabbitmq.WithDurableQueue(cfg.Relay.Durable),
	}

	if cfg.RabbitMQ.DeadLetter {
		consumerOpts = append(consumerOpts, rabbitmq.WithDeadLetter())
	}

	consumer, err := rabbitmq.NewConsumer(conn, consumerOpts...)
	if err != nil {
		return err
	}

	launcher := relay.NewLauncher(
		relay.WithLogger(logger),
		relay.WithContext(ctx),
		relay.RunApp("consumer", rabbitmq.NewSubscriptionApp(consumer, cfg.RabbitMQ.QueueName, handler.Handle)),
	)

	if cfg.HTTPAddr != "" {
		serverOpts := []server.Option{
			server.WithLogger(logger),
			server.WithDependency(server.DependencyCheck{Name: "rabbitmq", HealthCheck: conn.HealthCheck}),
		}

		if cfg.Bot.Token != "" {
			serverOpts = append(serverOpts, server.WithDependency(server.DependencyCheck{
				Name:           "telegram",
				CircuitBreaker: breakers,
				ServiceName:    telegram.BreakerName,
			}))
		}

		srv, err := server.New(cfg.HTTPAddr, serverOpts...)
		if err != nil {
			return err
		}

		if err := launcher.Add("http", srv); err != nil {
			return err
		}
	}

	if err := launcher.RunWithError(); err != nil {
		log.SafeError(logger, context.WithoutCancel(ctx), "notifier stopped with errors", err, cfg.EnvName == "production")

		return err
	}

	return nil
}

// newSink returns the Telegram sink, or a log sink when no bot token is configured.
func newSink(cfg config.Config, breakers circuitbreaker.Manager, logger log.Logger) (notifier.Sink, []string, error) {
	if cfg.Bot.Token == "" {
		logger.Log(context.Background(), log.LevelWarn, "BOT_TOKEN not set, notifications go to the log")

		return notifier.LogSink{Logger: logger}, []string{logRecipient}, nil
	}

	sink, err := telegram.New(cfg.Bot.Token,
		telegram.WithLogger(logger),
		telegram.WithCircuitBreaker(breakers),
	)
	if err != nil {
		return nil, nil, err
	}

	return sink, cfg.Bot.Recipients, nil
}
