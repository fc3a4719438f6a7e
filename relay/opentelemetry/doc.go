// Package opentelemetry wires OTLP trace, metric and log exporters for the relay
// processes and carries W3C trace context across RabbitMQ message headers.
package opentelemetry
