package opentelemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// ErrMissingEndpoint is returned when telemetry is enabled without a collector endpoint.
var ErrMissingEndpoint = errors.New("telemetry collector endpoint is required when telemetry is enabled")

// TelemetryConfig is filled from the OTEL_* environment keys.
type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	Logger                    log.Logger
}

// Telemetry owns the providers installed as OTel globals.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	shutdown       []func(context.Context) error
}

func (cfg *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
		semconv.TelemetrySDKLanguageGo,
	)
}

// InitializeTelemetry installs global tracer, meter and logger providers. With
// telemetry disabled the SDK providers are created without exporters, so
// instruments still work and nothing leaves the process.
func InitializeTelemetry(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.EnableTelemetry {
		cfg.Logger.Log(ctx, log.LevelWarn, "telemetry disabled")

		tl := &Telemetry{
			TelemetryConfig: cfg,
			TracerProvider:  sdktrace.NewTracerProvider(),
			MeterProvider:   sdkmetric.NewMeterProvider(),
			LoggerProvider:  sdklog.NewLoggerProvider(),
		}
		tl.shutdown = []func(context.Context) error{
			tl.MeterProvider.Shutdown,
			tl.TracerProvider.Shutdown,
			tl.LoggerProvider.Shutdown,
		}

		otel.SetMeterProvider(tl.MeterProvider)

		return tl, nil
	}

	if strings.TrimSpace(cfg.CollectorExporterEndpoint) == "" {
		return nil, ErrMissingEndpoint
	}

	res := cfg.newResource()

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorExporterEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorExporterEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	logExp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.CollectorExporterEndpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("can't initialize logger exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	cfg.Logger.Log(ctx, log.LevelInfo, "telemetry initialized",
		log.String("service", cfg.ServiceName),
		log.String("endpoint", cfg.CollectorExporterEndpoint),
	)

	return &Telemetry{
		TelemetryConfig: cfg,
		TracerProvider:  tp,
		MeterProvider:   mp,
		LoggerProvider:  lp,
		shutdown:        []func(context.Context) error{mp.Shutdown, tp.Shutdown, lp.Shutdown},
	}, nil
}

// Shutdown flushes and stops every provider, joining their errors.
func (tl *Telemetry) Shutdown(ctx context.Context) error {
	if tl == nil {
		return nil
	}

	var errs []error

	for _, fn := range tl.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		tl.Logger.Log(ctx, log.LevelError, "telemetry shutdown failed", log.Err(err))

		return err
	}

	return nil
}
