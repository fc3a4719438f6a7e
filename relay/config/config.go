// Package config loads process configuration from the environment and an
// optional .env file into typed structs that main passes to constructors.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/postgres"
	"github.com/Arslan16/Ufanet-autum-practice/relay/rabbitmq"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultQueueName is shared by the relay and the notifier.
const DefaultQueueName = "database_queries"

// Database holds the PostgreSQL connection settings.
type Database struct {
	Host         string `env:"DATABASE_HOST"           default:"localhost" validate:"required"`
	Port         int    `env:"DATABASE_PORT"           default:"5432"      validate:"min=1,max=65535"`
	Username     string `env:"DATABASE_USERNAME"       default:"postgres"  validate:"required"`
	Password     string `env:"DATABASE_PASSWORD"       default:"postgres"  json:"-"`
	Name         string `env:"DATABASE_NAME"                               validate:"required"`
	SSLMode      string `env:"DATABASE_SSLMODE"        default:"disable"   validate:"oneof=disable allow prefer require verify-ca verify-full"`
	ReplicaHost  string `env:"DATABASE_REPLICA_HOST"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS" default:"10"        validate:"min=1"`
	MaxIdleConns int    `env:"DATABASE_MAX_IDLE_CONNS" default:"5"         validate:"min=0"`
}

// RabbitMQ holds the broker settings.
type RabbitMQ struct {
	Host       string `env:"RMQ_HOST"        default:"127.0.0.1"        validate:"required"`
	Port       int    `env:"RMQ_PORT"        default:"5672"             validate:"min=1,max=65535"`
	Login      string `env:"RMQ_LOGIN"       default:"guest"            validate:"required"`
	Password   string `env:"RMQ_PASSWORD"    default:"guest"            json:"-"`
	VHost      string `env:"RMQ_VHOST"`
	QueueName  string `env:"QUEUE_NAME"      default:"database_queries" validate:"required"`
	Prefetch   int    `env:"RMQ_PREFETCH"    default:"1"                validate:"min=1"`
	DeadLetter bool   `env:"RMQ_DEAD_LETTER" default:"true"`
}

// Redis holds the settings for dedup and the relay guard. Both are disabled
// when Addr is empty.
type Redis struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD" json:"-"`
	DB       int           `env:"REDIS_DB"        default:"0"   validate:"min=0"`
	DedupTTL time.Duration `env:"REDIS_DEDUP_TTL" default:"24h" validate:"gt=0"`
	GuardTTL time.Duration `env:"REDIS_GUARD_TTL" default:"30s" validate:"gt=0"`
}

// Relay holds the dispatcher settings.
type Relay struct {
	DispatchInterval time.Duration `env:"RELAY_DISPATCH_INTERVAL" default:"3s" validate:"gt=0"`
	PublishTimeout   time.Duration `env:"RELAY_PUBLISH_TIMEOUT"   default:"5s" validate:"gt=0"`
	MaxIterations    int           `env:"RELAY_MAX_ITERATIONS"    default:"0"  validate:"min=0"`
	Durable          bool          `env:"RELAY_DURABLE"           default:"true"`
}

// Bot holds the Telegram settings. Without a token notifications are logged.
type Bot struct {
	Token      string   `env:"BOT_TOKEN"      json:"-"`
	Recipients []string `env:"BOT_RECIPIENTS" validate:"required_with=Token,dive,numeric"`
}

// Telemetry holds the OTel exporter settings.
type Telemetry struct {
	Enabled        bool   `env:"ENABLE_TELEMETRY"`
	Endpoint       string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"   validate:"required_if=Enabled true"`
	ServiceName    string `env:"OTEL_RESOURCE_SERVICE_NAME"    default:"outbox-relay"`
	ServiceVersion string `env:"OTEL_RESOURCE_SERVICE_VERSION" default:"0.1.0"`
	LibraryName    string `env:"OTEL_LIBRARY_NAME"             default:"github.com/Arslan16/Ufanet-autum-practice"`
}

// Config is the full process configuration.
type Config struct {
	EnvName  string `env:"ENV_NAME"  default:"development" validate:"oneof=production staging development local"`
	LogLevel string `env:"LOG_LEVEL" default:"info"        validate:"oneof=debug info warn error"`
	HTTPAddr string `env:"HTTP_ADDR" default:":8080"`

	Database  Database
	RabbitMQ  RabbitMQ
	Redis     Redis
	Relay     Relay
	Bot       Bot
	Telemetry Telemetry
}

// Load reads the .env files (missing files are ignored), binds the environment
// and validates the result. Variables already set in the environment win over
// .env entries.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// PrimaryDSN builds the primary connection string.
func (d Database) PrimaryDSN() string {
	return postgres.BuildDSN(d.Host, d.Port, d.Username, d.Password, d.Name, d.SSLMode)
}

// ReplicaDSN builds the replica connection string, or "" when no replica is configured.
func (d Database) ReplicaDSN() string {
	if d.ReplicaHost == "" {
		return ""
	}

	return postgres.BuildDSN(d.ReplicaHost, d.Port, d.Username, d.Password, d.Name, d.SSLMode)
}

// PostgresConfig converts d into a postgres client config.
func (d Database) PostgresConfig() postgres.Config {
	return postgres.Config{
		PrimaryDSN:         d.PrimaryDSN(),
		ReplicaDSN:         d.ReplicaDSN(),
		DBName:             d.Name,
		MaxOpenConnections: d.MaxOpenConns,
		MaxIdleConnections: d.MaxIdleConns,
	}
}

// Credentials converts r into broker credentials.
func (r RabbitMQ) Credentials() rabbitmq.Credentials {
	return rabbitmq.Credentials{
		Host:     r.Host,
		Port:     r.Port,
		Login:    r.Login,
		Password: r.Password,
		VHost:    r.VHost,
	}
}

// Enabled reports whether Redis is configured.
func (r Redis) Enabled() bool {
	return r.Addr != ""
}
