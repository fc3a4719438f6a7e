package outbox

import (
	"maps"
	"time"
)

// ExecutedAtKey is the payload key the Writer stamps with the write time.
const ExecutedAtKey = "executed_at"

// Payload is a JSON object.
type Payload map[string]any

// Clone returns a shallow copy. Nested values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}

	out := make(Payload, len(p)+1)
	maps.Copy(out, p)

	return out
}

// OutboxRecord is one row of the outbox table.
type OutboxRecord struct {
	ID        int64     `json:"id"`
	Payload   Payload   `json:"payload"`
	Queue     string    `json:"queue"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
