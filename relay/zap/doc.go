// Package zap implements the relay log.Logger on top of go.uber.org/zap.
//
// Entries are JSON encoded, tee'd into the OpenTelemetry log bridge and tagged
// with trace_id/span_id when the context carries an active span.
package zap
