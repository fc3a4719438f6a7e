// Package outbox implements the transactional outbox: records written inside
// the caller's database transaction and relayed to a message broker by a
// polling Dispatcher with at-least-once delivery.
//
// Record lifecycle:
//
//	PENDING -> SENT       publish confirmed
//	PENDING -> FAILED     publish failed or timed out
//	FAILED  -> PENDING    explicit operator requeue
//	SENT    -> ARCHIVED   administrative
//	FAILED  -> ARCHIVED   administrative
//
// FAILED records are never retried automatically. The PostgreSQL store lives
// in the postgres subpackage.
package outbox
