package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/bxcodec/dbresolver/v2"
)

// resolverProvider is satisfied by *postgres.Client.
type resolverProvider interface {
	Resolver(context.Context) (dbresolver.DB, error)
}

// resolvePrimaryDB picks the first usable primary. The outbox never reads from
// replicas: the relay must see records the moment their transaction commits.
func resolvePrimaryDB(ctx context.Context, client resolverProvider) (*sql.DB, error) {
	if nilcheck.Interface(client) {
		return nil, ErrConnectionRequired
	}

	resolver, err := client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if resolver == nil {
		return nil, ErrNoPrimaryDB
	}

	for _, db := range resolver.PrimaryDBs() {
		if db != nil {
			return db, nil
		}
	}

	return nil, ErrNoPrimaryDB
}
