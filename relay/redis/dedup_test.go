//go:build unit

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicator_FirstSeen(t *testing.T) {
	t.Parallel()

	client, mr := newTestClient(t)
	ctx := context.Background()

	dedup, err := NewDeduplicator(client, "", time.Minute)
	require.NoError(t, err)

	first, err := dedup.FirstSeen(ctx, "42")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = dedup.FirstSeen(ctx, "42")
	require.NoError(t, err)
	assert.False(t, first)

	assert.True(t, mr.Exists(defaultDedupPrefix+"42"))
	assert.Equal(t, time.Minute, mr.TTL(defaultDedupPrefix+"42"))

	mr.FastForward(2 * time.Minute)

	first, err = dedup.FirstSeen(ctx, "42")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestDeduplicator_Forget(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	ctx := context.Background()

	dedup, err := NewDeduplicator(client, "test:", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultDedupTTL, dedup.ttl)

	_, err = dedup.FirstSeen(ctx, "7")
	require.NoError(t, err)
	require.NoError(t, dedup.Forget(ctx, "7"))

	first, err := dedup.FirstSeen(ctx, "7")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestDeduplicator_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewDeduplicator(nil, "", 0)
	require.ErrorIs(t, err, ErrNilClient)

	client, mr := newTestClient(t)

	dedup, err := NewDeduplicator(client, "", 0)
	require.NoError(t, err)

	_, err = dedup.FirstSeen(context.Background(), " ")
	require.ErrorIs(t, err, ErrMessageIDRequired)

	mr.Close()

	_, err = dedup.FirstSeen(context.Background(), "1")
	require.Error(t, err)
}
