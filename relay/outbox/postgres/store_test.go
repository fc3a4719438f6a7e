//go:build unit

package postgres

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	libPostgres "github.com/Arslan16/Ufanet-autum-practice/relay/postgres"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errResolverDown = errors.New("resolver down")

func failingResolver() resolverFunc {
	return func(context.Context) (dbresolver.DB, error) {
		return nil, errResolverDown
	}
}

func newUnitStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	store, err := NewStore(failingResolver(), opts...)
	require.NoError(t, err)

	return store
}

func TestValidateIdentifier(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateIdentifier("outbox"))
	require.NoError(t, validateIdentifier("_outbox_2"))
	require.ErrorIs(t, validateIdentifier(""), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier("1outbox"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier("outbox;drop"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifier(strings.Repeat("a", 64)), ErrInvalidIdentifier)
}

func TestValidateIdentifierPath(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateIdentifierPath("outbox"))
	require.NoError(t, validateIdentifierPath("app.outbox"))
	require.ErrorIs(t, validateIdentifierPath("a.b.c"), ErrInvalidIdentifier)
	require.ErrorIs(t, validateIdentifierPath("app."), ErrInvalidIdentifier)
}

func TestQuoteIdentifierPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"outbox"`, quoteIdentifierPath("outbox"))
	assert.Equal(t, `"app"."outbox"`, quoteIdentifierPath("app. outbox"))
	assert.Equal(t, `"we""ird"`, quoteIdentifier("we\"ird\x00"))
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	t.Run("nil client", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(nil)
		require.Nil(t, store)
		require.ErrorIs(t, err, ErrConnectionRequired)
	})

	t.Run("typed nil client", func(t *testing.T) {
		t.Parallel()

		var client *libPostgres.Client

		store, err := NewStore(client)
		require.Nil(t, store)
		require.ErrorIs(t, err, ErrConnectionRequired)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		store := newUnitStore(t, nil, WithTableName("  "), WithTransactionTimeout(-1))
		assert.Equal(t, defaultTableName, store.tableName)
		assert.Equal(t, defaultTransactionTimeout, store.transactionTimeout)
		assert.NotNil(t, store.logger)
		assert.NotNil(t, store.clock)
	})

	t.Run("invalid table", func(t *testing.T) {
		t.Parallel()

		store, err := NewStore(failingResolver(), WithTableName("outbox; DROP TABLE x"))
		require.Nil(t, store)
		require.ErrorIs(t, err, ErrInvalidIdentifier)
	})
}

func TestStore_InsertRequiresTransaction(t *testing.T) {
	t.Parallel()

	store := newUnitStore(t)

	id, err := store.Insert(context.Background(), nil, outbox.Payload{"a": 1}, "q")
	require.Zero(t, id)
	require.ErrorIs(t, err, outbox.ErrTransactionRequired)
	require.True(t, outbox.IsKind(err, outbox.KindPersistence))
}

func TestStore_NilReceiver(t *testing.T) {
	t.Parallel()

	var store *Store

	_, err := store.ListPendingOldestFirst(context.Background())
	require.ErrorIs(t, err, ErrStoreNotInitialized)

	ok, err := store.SetStatus(context.Background(), 1, outbox.StatusSent)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrStoreNotInitialized)
}

func TestStore_ResolverFailuresArePersistenceErrors(t *testing.T) {
	t.Parallel()

	store := newUnitStore(t)
	ctx := context.Background()

	_, err := store.ListPendingOldestFirst(ctx)
	require.ErrorIs(t, err, errResolverDown)
	require.True(t, outbox.IsKind(err, outbox.KindPersistence))

	ok, err := store.SetStatus(ctx, 7, outbox.StatusSent)
	require.False(t, ok)
	require.ErrorIs(t, err, errResolverDown)
	require.True(t, outbox.IsKind(err, outbox.KindPersistence))

	_, err = store.Requeue(ctx)
	require.ErrorIs(t, err, errResolverDown)

	_, err = store.CountByStatus(ctx)
	require.ErrorIs(t, err, errResolverDown)

	_, err = store.List(ctx, outbox.ListFilter{})
	require.ErrorIs(t, err, errResolverDown)
}

func TestStore_SetStatusRejectsInvalidTargets(t *testing.T) {
	t.Parallel()

	store := newUnitStore(t)

	ok, err := store.SetStatus(context.Background(), 1, outbox.Status("bogus"))
	require.False(t, ok)
	require.ErrorIs(t, err, outbox.ErrStatusInvalid)
	require.NotErrorIs(t, err, errResolverDown)
}

func TestStore_ListQuery(t *testing.T) {
	t.Parallel()

	store := newUnitStore(t, WithTableName("app.outbox"))

	tests := []struct {
		name      string
		filter    outbox.ListFilter
		wantQuery string
		wantArgs  []any
		wantLimit int
	}{
		{
			name:      "no filter",
			filter:    outbox.ListFilter{},
			wantQuery: `SELECT ` + outboxColumns + ` FROM "app"."outbox" ORDER BY created_at ASC, id ASC LIMIT $1`,
			wantArgs:  []any{defaultListLimit},
			wantLimit: defaultListLimit,
		},
		{
			name:      "status and queue",
			filter:    outbox.ListFilter{Status: outbox.StatusFailed, Queue: " q ", Limit: 5},
			wantQuery: `SELECT ` + outboxColumns + ` FROM "app"."outbox" WHERE status = $1::outbox_status AND queue = $2 ORDER BY created_at ASC, id ASC LIMIT $3`,
			wantArgs:  []any{"failed", "q", 5},
			wantLimit: 5,
		},
		{
			name:      "limit capped",
			filter:    outbox.ListFilter{Limit: 1_000_000},
			wantQuery: `SELECT ` + outboxColumns + ` FROM "app"."outbox" ORDER BY created_at ASC, id ASC LIMIT $1`,
			wantArgs:  []any{maxListLimit},
			wantLimit: maxListLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			query, args, limit, err := store.listQuery(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}

	_, _, _, err := store.listQuery(outbox.ListFilter{Status: "nope"})
	require.ErrorIs(t, err, outbox.ErrStatusInvalid)
}

func TestStatusStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"sent", "failed"}, statusStrings([]outbox.Status{outbox.StatusSent, outbox.StatusFailed}))
	assert.Empty(t, statusStrings(nil))
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(Migrations, MigrationsDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	up, err := fs.ReadFile(Migrations, MigrationsDir+"/000001_create_outbox.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "CREATE TYPE outbox_status AS ENUM ('pending', 'sent', 'failed', 'archived')")
	assert.Contains(t, string(up), "(status, created_at, id)")
}
