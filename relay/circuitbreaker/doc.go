// Package circuitbreaker wraps sony/gobreaker with per-service breakers and
// health-check-driven recovery.
//
// The RabbitMQ publisher and the Telegram sink run their calls through
// Manager.Execute so a downstream outage fails fast.
package circuitbreaker
