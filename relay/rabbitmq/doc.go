// Package rabbitmq is the broker transport of the relay.
//
// Connection keeps one AMQP connection per process and redials lazily with a
// rate-limited backoff; errors never echo the broker password. Publisher
// implements outbox.Publisher with publisher confirms on a dedicated channel.
// Consumer subscribes to a queue with manual acknowledgements, acking only
// after the handler succeeds and nacking (dead-lettering, when the DLQ
// topology is declared) otherwise.
package rabbitmq
