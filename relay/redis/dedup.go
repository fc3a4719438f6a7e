package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultDedupPrefix = "notifier:seen:"
	defaultDedupTTL    = 24 * time.Hour
)

// ErrMessageIDRequired is returned when FirstSeen is called without an id.
var ErrMessageIDRequired = errors.New("message id is required")

// Deduplicator remembers message ids for a TTL so redelivered messages can be
// recognized.
type Deduplicator struct {
	conn   *Client
	prefix string
	ttl    time.Duration
}

// NewDeduplicator creates a deduplicator. Empty prefix and non-positive ttl fall
// back to defaults.
func NewDeduplicator(conn *Client, prefix string, ttl time.Duration) (*Deduplicator, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if strings.TrimSpace(prefix) == "" {
		prefix = defaultDedupPrefix
	}

	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	return &Deduplicator{conn: conn, prefix: prefix, ttl: ttl}, nil
}

// FirstSeen records messageID and reports whether it had not been seen within the TTL.
func (d *Deduplicator) FirstSeen(ctx context.Context, messageID string) (bool, error) {
	if d == nil || d.conn == nil {
		return false, ErrNilClient
	}

	if strings.TrimSpace(messageID) == "" {
		return false, ErrMessageIDRequired
	}

	rdb, err := d.conn.GetClient(ctx)
	if err != nil {
		return false, err
	}

	first, err := rdb.SetNX(ctx, d.prefix+messageID, 1, d.ttl).Result()
	if err != nil {
		d.conn.markDisconnected(rdb)

		return false, fmt.Errorf("redis dedup: %w", err)
	}

	return first, nil
}

// Forget removes messageID so a later delivery is treated as new.
func (d *Deduplicator) Forget(ctx context.Context, messageID string) error {
	if d == nil || d.conn == nil {
		return ErrNilClient
	}

	rdb, err := d.conn.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := rdb.Del(ctx, d.prefix+messageID).Err(); err != nil {
		return fmt.Errorf("redis dedup forget: %w", err)
	}

	return nil
}
