package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Tx is the caller's open transaction. Store.Insert never commits it.
type Tx = *sql.Tx

// Store persists outbox records.
type Store interface {
	// Insert adds a PENDING record inside tx and returns its id.
	Insert(ctx context.Context, tx Tx, payload Payload, queue string) (int64, error)
	// ListPendingOldestFirst returns every PENDING record ordered by
	// created_at then id. It never returns a nil slice without an error.
	ListPendingOldestFirst(ctx context.Context) ([]*OutboxRecord, error)
	// SetStatus commits on its own. It reports false when the record is
	// missing or cannot transition to status.
	SetStatus(ctx context.Context, id int64, status Status) (bool, error)
}

// ListFilter narrows AdminStore.List. Zero values match everything.
type ListFilter struct {
	Status Status
	Queue  string
	Limit  int
}

// AdminStore adds the operator operations used by outboxctl and the health endpoint.
type AdminStore interface {
	Store
	// Requeue moves FAILED records back to PENDING. No ids means every FAILED record.
	Requeue(ctx context.Context, ids ...int64) (int64, error)
	// Archive moves SENT and FAILED records created before olderThan to ARCHIVED.
	Archive(ctx context.Context, olderThan time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	List(ctx context.Context, filter ListFilter) ([]*OutboxRecord, error)
}
