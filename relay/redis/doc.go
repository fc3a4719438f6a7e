// Package redis wraps go-redis with lazy, rate-limited reconnects and builds
// the Redis-backed pieces of the pipeline on top of it: distributed locks for
// operator commands, the single-instance relay guard and message
// deduplication for the notifier.
package redis
