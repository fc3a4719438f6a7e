// Package bootstrap builds the logger and telemetry shared by the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/config"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	libOpentelemetry "github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	"github.com/Arslan16/Ufanet-autum-practice/relay/runtime"
	libZap "github.com/Arslan16/Ufanet-autum-practice/relay/zap"
)

// ShutdownTimeout bounds flushing of telemetry and loggers on exit.
const ShutdownTimeout = 10 * time.Second

// NewLogger builds the process logger from ENV_NAME, LOG_LEVEL and OTEL_LIBRARY_NAME.
func NewLogger(cfg config.Config) (*libZap.Logger, error) {
	logger, err := libZap.New(libZap.Config{
		Environment:     libZap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: cfg.Telemetry.LibraryName,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	return logger, nil
}

// NewTelemetry installs the OTel providers for service.
func NewTelemetry(ctx context.Context, cfg config.Config, service string, logger log.Logger) (*libOpentelemetry.Telemetry, error) {
	serviceName := cfg.Telemetry.ServiceName
	if service != "" {
		serviceName = serviceName + "-" + service
	}

	telemetry, err := libOpentelemetry.InitializeTelemetry(ctx, libOpentelemetry.TelemetryConfig{
		LibraryName:               cfg.Telemetry.LibraryName,
		ServiceName:               serviceName,
		ServiceVersion:            cfg.Telemetry.ServiceVersion,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.Telemetry.Endpoint,
		EnableTelemetry:           cfg.Telemetry.Enabled,
		Logger:                    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if err := runtime.InitPanicMetrics(telemetry.MeterProvider); err != nil {
		return nil, fmt.Errorf("init panic metrics: %w", err)
	}

	return telemetry, nil
}

// Shutdown flushes telemetry and the logger, bounded by ShutdownTimeout.
func Shutdown(telemetry *libOpentelemetry.Telemetry, logger log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := telemetry.Shutdown(ctx); err != nil {
		logger.Log(ctx, log.LevelWarn, "telemetry shutdown incomplete", log.Err(err))
	}

	_ = logger.Sync(ctx)
}
