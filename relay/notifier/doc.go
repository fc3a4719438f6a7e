// Package notifier turns outbox messages consumed from the broker into
// notifications. Each message is rendered as a fenced JSON block and sent to
// every configured recipient through a Sink.
package notifier
